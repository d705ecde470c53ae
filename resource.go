package fhiruploader

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/gofhir/uploader/value"
)

// Key is the identity of a resource within one run.
type Key struct {
	Type string `json:"resourceType"`
	ID   string `json:"id"`
}

// String returns the relative reference form Type/ID.
func (k Key) String() string {
	return k.Type + "/" + k.ID
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k.Type == "" && k.ID == ""
}

// Less orders keys by type, then id.
func (k Key) Less(o Key) bool {
	if k.Type != o.Type {
		return k.Type < o.Type
	}
	return k.ID < o.ID
}

// Compare returns -1, 0 or +1 following Less.
func (k Key) Compare(o Key) int {
	switch {
	case k.Less(o):
		return -1
	case o.Less(k):
		return 1
	default:
		return 0
	}
}

// Format is the wire encoding a resource was read from.
type Format int

// Supported formats.
const (
	FormatJSON Format = iota
	FormatXML
)

// String returns the format name.
func (f Format) String() string {
	if f == FormatXML {
		return "xml"
	}
	return "json"
}

// MediaType returns the FHIR media type for the format.
func (f Format) MediaType() string {
	if f == FormatXML {
		return "application/fhir+xml"
	}
	return "application/fhir+json"
}

// canonicalTypes are resource types matched server-side by url and version.
var canonicalTypes = map[string]bool{
	"StructureDefinition":   true,
	"ValueSet":              true,
	"CodeSystem":            true,
	"SearchParameter":       true,
	"CapabilityStatement":   true,
	"ImplementationGuide":   true,
	"ConceptMap":            true,
	"NamingSystem":          true,
	"OperationDefinition":   true,
	"MessageDefinition":     true,
	"CompartmentDefinition": true,
	"GraphDefinition":       true,
	"StructureMap":          true,
	"Questionnaire":         true,
}

// IsCanonicalType reports whether resources of this type carry a canonical url.
func IsCanonicalType(resourceType string) bool {
	return canonicalTypes[resourceType]
}

// Resource is one decoded FHIR resource.
type Resource struct {
	Type string
	ID   string

	// Body is the decoded content. For XML input it is the coarse structural
	// mapping produced by the decoder.
	Body *value.Object

	// Raw holds the bytes sent to the server. For XML input this is the
	// original document, with the id element injected when it was synthesized.
	Raw    []byte
	Format Format

	// SourceRef names the originating file, archive member or bundle entry.
	SourceRef string

	CanonicalURL     string
	CanonicalVersion string

	// FullURL is the Bundle entry fullUrl the resource was flattened from.
	FullURL string

	// Hash is the hex sha256 of the canonical JSON of Body.
	Hash string

	// SyntheticID is set when the id was generated from SourceRef.
	SyntheticID bool
}

// Key returns the identity key.
func (r *Resource) Key() Key {
	return Key{Type: r.Type, ID: r.ID}
}

// IsCanonical reports whether the resource can be matched by canonical url.
func (r *Resource) IsCanonical() bool {
	return IsCanonicalType(r.Type) && r.CanonicalURL != ""
}

// JSON returns the JSON encoding of Body.
func (r *Resource) JSON() []byte {
	return value.Marshal(r.Body)
}

// Payload returns the bytes and media type to send for this resource.
func (r *Resource) Payload() ([]byte, string) {
	if r.Format == FormatXML && len(r.Raw) > 0 {
		return r.Raw, FormatXML.MediaType()
	}
	return r.JSON(), FormatJSON.MediaType()
}

// ContentHash computes the hash stored in Hash.
func ContentHash(body value.Value) string {
	sum := sha256.Sum256(value.Canonical(body))
	return hex.EncodeToString(sum[:])
}

// SyntheticID derives a stable id from the origin of a resource that has none.
func SyntheticID(sourceRef string) string {
	sum := sha256.Sum256([]byte(sourceRef))
	return "gen-" + hex.EncodeToString(sum[:8])
}

// Reference is a reference found inside a resource.
type Reference struct {
	// From is the referencing resource.
	From Key

	// Raw is the reference string as written.
	Raw string

	// Target is set for Type/id style references.
	Target Key

	// Canonical is set for canonical url references, without the version suffix.
	Canonical string

	// Version is the |version suffix of a canonical reference.
	Version string

	// Path is the dotted element path where the reference was found.
	Path string
}

// IsCanonical reports whether the reference targets a canonical url.
func (r Reference) IsCanonical() bool {
	return r.Canonical != ""
}
