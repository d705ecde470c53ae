package value

import (
	"bytes"
	"encoding/json"
	"io"
	"sort"
	"strconv"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Parse decodes one JSON document, keeping member order and number text.
// A leading UTF-8 byte order mark is ignored.
func Parse(data []byte) (Value, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := parseValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after top-level value")
	}
	return v, nil
}

func parseValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("unexpected end of JSON input")
		}
		return nil, err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := NewObject()
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := kt.(string)
				if !ok {
					return nil, errors.Newf("object key is %T", kt)
				}
				v, err := parseValue(dec)
				if err != nil {
					return nil, errors.Wrapf(err, "member %q", key)
				}
				obj.Set(key, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return obj, nil
		case '[':
			arr := Array{}
			for dec.More() {
				v, err := parseValue(dec)
				if err != nil {
					return nil, errors.Wrapf(err, "index %d", len(arr))
				}
				arr = append(arr, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return arr, nil
		default:
			return nil, errors.Newf("unexpected delimiter %q", t)
		}
	case string:
		return String(t), nil
	case json.Number:
		return Number(t), nil
	case bool:
		return Bool(t), nil
	case nil:
		return Null{}, nil
	default:
		return nil, errors.Newf("unexpected token %T", tok)
	}
}

// Marshal encodes v as compact JSON in document order.
func Marshal(v Value) []byte {
	var buf bytes.Buffer
	write(&buf, v, false)
	return buf.Bytes()
}

// Canonical encodes v as compact JSON with object members sorted by key.
// Two values that are Equal produce the same canonical bytes when their
// numbers share a textual form.
func Canonical(v Value) []byte {
	var buf bytes.Buffer
	write(&buf, v, true)
	return buf.Bytes()
}

func write(buf *bytes.Buffer, v Value, sorted bool) {
	switch t := v.(type) {
	case nil, Null:
		buf.WriteString("null")
	case Bool:
		buf.WriteString(strconv.FormatBool(bool(t)))
	case Number:
		buf.WriteString(string(t))
	case String:
		writeString(buf, string(t))
	case Array:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			write(buf, e, sorted)
		}
		buf.WriteByte(']')
	case *Object:
		members := t.Members()
		if sorted {
			members = append([]Member(nil), members...)
			sort.Slice(members, func(i, j int) bool { return members[i].Key < members[j].Key })
		}
		buf.WriteByte('{')
		for i, m := range members {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, m.Key)
			buf.WriteByte(':')
			write(buf, m.Value, sorted)
		}
		buf.WriteByte('}')
	}
}

const hexDigits = "0123456789abcdef"

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch {
			case c == '"' || c == '\\':
				buf.WriteByte('\\')
				buf.WriteByte(c)
			case c == '\n':
				buf.WriteString(`\n`)
			case c == '\r':
				buf.WriteString(`\r`)
			case c == '\t':
				buf.WriteString(`\t`)
			case c < 0x20:
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[c>>4])
				buf.WriteByte(hexDigits[c&0xF])
			default:
				buf.WriteByte(c)
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			buf.WriteString(`\ufffd`)
		} else {
			buf.WriteString(s[i : i+size])
		}
		i += size
	}
	buf.WriteByte('"')
}
