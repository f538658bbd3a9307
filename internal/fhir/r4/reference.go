package r4

import "strings"

// ResourceRef is the structured form of a literal FHIR reference.
type ResourceRef struct {
	Base    string // service base for absolute references, empty when relative
	Type    string // resource type, empty for bare ids and urn references
	ID      string
	Version string // set for .../_history/<version> references
}

// String renders the relative form Type/ID, or the bare id when the type is unknown.
func (r ResourceRef) String() string {
	if r.Type == "" {
		return r.ID
	}
	return r.Type + "/" + r.ID
}

// Is reports whether r points at the resource typeName/id. A reference with no
// known type matches on id alone.
func (r ResourceRef) Is(typeName, id string) bool {
	if id == "" || r.ID != id {
		return false
	}
	return r.Type == "" || r.Type == typeName
}

// ParseReference splits a literal reference into its parts. It accepts
// relative references (Encounter/e1), absolute ones
// (https://host/fhir/Encounter/e1), versioned ones (Encounter/e1/_history/2),
// bundle-local urns (urn:uuid:...) and bare ids. Contained references (#id)
// and anything malformed report false. The id is opaque; only its presence is
// checked, so use ValidID for ids taken from user input.
func ParseReference(s string) (ResourceRef, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "#") {
		return ResourceRef{}, false
	}

	if rest, ok := strings.CutPrefix(s, "urn:uuid:"); ok {
		return idOnly(rest)
	}
	if rest, ok := strings.CutPrefix(s, "urn:oid:"); ok {
		return idOnly(rest)
	}

	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	if strings.HasSuffix(s, "/") {
		return ResourceRef{}, false
	}

	var segs []string
	for _, seg := range strings.Split(s, "/") {
		if seg != "" {
			segs = append(segs, seg)
		}
	}

	var ref ResourceRef
	if n := len(segs); n >= 4 && segs[n-2] == "_history" {
		ref.Version = segs[n-1]
		segs = segs[:n-2]
	}

	switch n := len(segs); n {
	case 0:
		return ResourceRef{}, false
	case 1:
		if ref.Version != "" {
			return ResourceRef{}, false
		}
		return idOnly(segs[0])
	default:
		ref.Type = segs[n-2]
		ref.ID = segs[n-1]
		if n > 2 {
			idx := strings.LastIndex(s, "/"+ref.Type+"/")
			if idx > 0 {
				ref.Base = s[:idx]
			}
		}
	}

	if !isResourceType(ref.Type) || ref.ID == "" {
		return ResourceRef{}, false
	}
	return ref, true
}

func idOnly(id string) (ResourceRef, bool) {
	if id == "" {
		return ResourceRef{}, false
	}
	return ResourceRef{ID: id}, true
}

// isResourceType checks the shape of a resource type name: an upper-case
// letter followed by letters only.
func isResourceType(s string) bool {
	if s == "" || s[0] < 'A' || s[0] > 'Z' {
		return false
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}

// isID checks the FHIR id grammar, [A-Za-z0-9\-\.]{1,64}.
func isID(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.':
		default:
			return false
		}
	}
	return true
}

// ValidID reports whether s is a well-formed logical resource id.
func ValidID(s string) bool {
	return isID(s)
}
