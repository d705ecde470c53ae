package decode

import (
	"bytes"
	"mime"
	"path"
	"strings"
)

// Kind is the detected content kind of an input unit.
type Kind int

// Content kinds.
const (
	KindUnknown Kind = iota
	KindJSON
	KindXML
	KindZip
	KindTarGzip
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindJSON:
		return "json"
	case KindXML:
		return "xml"
	case KindZip:
		return "zip"
	case KindTarGzip:
		return "tgz"
	default:
		return "unknown"
	}
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Sniff detects the content kind from the declared content type, then the
// file name extension, then the leading bytes.
func Sniff(in Input) Kind {
	if k := kindFromContentType(in.ContentType); k != KindUnknown {
		return k
	}
	if k := kindFromName(in.Name); k != KindUnknown {
		return k
	}
	return kindFromBytes(in.Data)
}

func kindFromContentType(ct string) Kind {
	if ct == "" {
		return KindUnknown
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(ct))
	}
	switch {
	case mt == "application/zip", mt == "application/x-zip-compressed":
		return KindZip
	case mt == "application/gzip", mt == "application/x-gzip", mt == "application/x-tar", mt == "application/x-gtar":
		return KindTarGzip
	case strings.HasSuffix(mt, "json"):
		return KindJSON
	case strings.HasSuffix(mt, "xml"):
		return KindXML
	default:
		return KindUnknown
	}
}

func kindFromName(name string) Kind {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, ".tar.gz") {
		return KindTarGzip
	}
	switch path.Ext(lower) {
	case ".json":
		return KindJSON
	case ".xml":
		return KindXML
	case ".zip":
		return KindZip
	case ".tgz":
		return KindTarGzip
	default:
		return KindUnknown
	}
}

func kindFromBytes(data []byte) Kind {
	switch {
	case bytes.HasPrefix(data, []byte("PK\x03\x04")):
		return KindZip
	case bytes.HasPrefix(data, []byte{0x1f, 0x8b}):
		return KindTarGzip
	}
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(data, utf8BOM), " \t\r\n")
	if len(trimmed) == 0 {
		return KindUnknown
	}
	switch trimmed[0] {
	case '{', '[':
		return KindJSON
	case '<':
		return KindXML
	default:
		return KindUnknown
	}
}
