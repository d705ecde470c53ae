// Package value models decoded FHIR content as a small recursive variant.
//
// A Value is one of *Object, Array, String, Number, Bool or Null. Walks over
// resource content switch on the concrete type, so every shape that JSON or
// the XML decoder can produce is handled explicitly.
package value

// Kind identifies the concrete variant of a Value.
type Kind uint8

// Value kinds.
const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a node of decoded content.
type Value interface {
	Kind() Kind
	sealed()
}

// Null is the JSON null literal.
type Null struct{}

// Bool is a boolean primitive.
type Bool bool

// Number keeps the textual form of a JSON number so decimal precision survives a round trip.
type Number string

// String is a string primitive.
type String string

// Array is an ordered list of values.
type Array []Value

func (Null) Kind() Kind    { return KindNull }
func (Bool) Kind() Kind    { return KindBool }
func (Number) Kind() Kind  { return KindNumber }
func (String) Kind() Kind  { return KindString }
func (Array) Kind() Kind   { return KindArray }
func (*Object) Kind() Kind { return KindObject }

func (Null) sealed()    {}
func (Bool) sealed()    {}
func (Number) sealed()  {}
func (String) sealed()  {}
func (Array) sealed()   {}
func (*Object) sealed() {}

// Member is one key/value pair of an Object.
type Member struct {
	Key   string
	Value Value
}

// Object is an ordered set of members. Member order follows the source
// document; lookups go through an index.
type Object struct {
	members []Member
	index   map[string]int
}

// NewObject returns an empty object.
func NewObject() *Object {
	return &Object{index: make(map[string]int)}
}

// Len returns the number of members.
func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	return len(o.members)
}

// Members returns the members in document order. The slice must not be modified.
func (o *Object) Members() []Member {
	if o == nil {
		return nil
	}
	return o.members
}

// Get returns the member value for key.
func (o *Object) Get(key string) (Value, bool) {
	if o == nil {
		return nil, false
	}
	i, ok := o.index[key]
	if !ok {
		return nil, false
	}
	return o.members[i].Value, true
}

// GetString returns the member value for key when it is a String.
func (o *Object) GetString(key string) (string, bool) {
	v, ok := o.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(String)
	return string(s), ok
}

// GetObject returns the member value for key when it is an *Object.
func (o *Object) GetObject(key string) (*Object, bool) {
	v, ok := o.Get(key)
	if !ok {
		return nil, false
	}
	obj, ok := v.(*Object)
	return obj, ok
}

// Set adds or replaces a member. Replacing keeps the original position.
func (o *Object) Set(key string, v Value) {
	if o.index == nil {
		o.index = make(map[string]int)
	}
	if i, ok := o.index[key]; ok {
		o.members[i].Value = v
		return
	}
	o.index[key] = len(o.members)
	o.members = append(o.members, Member{Key: key, Value: v})
}

// SetFirst adds key as the first member, or replaces it in place if present.
func (o *Object) SetFirst(key string, v Value) {
	if _, ok := o.index[key]; ok {
		o.Set(key, v)
		return
	}
	o.members = append([]Member{{Key: key, Value: v}}, o.members...)
	o.reindex()
}

// Delete removes a member and reports whether it existed.
func (o *Object) Delete(key string) bool {
	i, ok := o.index[key]
	if !ok {
		return false
	}
	o.members = append(o.members[:i], o.members[i+1:]...)
	o.reindex()
	return true
}

func (o *Object) reindex() {
	o.index = make(map[string]int, len(o.members))
	for i, m := range o.members {
		o.index[m.Key] = i
	}
}

// Clone returns a deep copy of v.
func Clone(v Value) Value {
	switch t := v.(type) {
	case *Object:
		out := &Object{
			members: make([]Member, len(t.members)),
			index:   make(map[string]int, len(t.members)),
		}
		for i, m := range t.members {
			out.members[i] = Member{Key: m.Key, Value: Clone(m.Value)}
			out.index[m.Key] = i
		}
		return out
	case Array:
		out := make(Array, len(t))
		for i, e := range t {
			out[i] = Clone(e)
		}
		return out
	default:
		return v
	}
}

// Lookup descends through nested objects following path.
func Lookup(v Value, path ...string) (Value, bool) {
	cur := v
	for _, key := range path {
		obj, ok := cur.(*Object)
		if !ok {
			return nil, false
		}
		if cur, ok = obj.Get(key); !ok {
			return nil, false
		}
	}
	return cur, true
}
