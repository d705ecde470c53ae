package upload

import (
	"github.com/gofhir/uploader/value"
)

// serverMeta are the meta members a server stamps on every write.
var serverMeta = []string{"versionId", "lastUpdated", "source"}

// normalize returns a copy of body without server-managed content: meta
// versionId, lastUpdated and source, an emptied meta, and the narrative.
// dropID also removes the id, for resources matched by canonical url.
func normalize(body *value.Object, dropID bool) *value.Object {
	out := value.Clone(body).(*value.Object)
	if meta, ok := out.GetObject("meta"); ok {
		for _, k := range serverMeta {
			meta.Delete(k)
		}
		if meta.Len() == 0 {
			out.Delete("meta")
		}
	}
	out.Delete("text")
	if dropID {
		out.Delete("id")
	}
	return out
}

// Identical reports whether local and remote carry the same content once
// server-managed fields are ignored.
func Identical(local, remote *value.Object, matchedByCanonical bool) bool {
	if local == nil || remote == nil {
		return false
	}
	return value.Equal(normalize(local, matchedByCanonical), normalize(remote, matchedByCanonical))
}
