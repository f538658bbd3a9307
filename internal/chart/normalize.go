package chart

import (
	"bytes"
	"encoding/json"

	"github.com/drfirst/go-chart/internal/fhir/r4"
)

var jsonNull = []byte("null")

// Normalize flattens a batch-response entry into its resources. A nested
// Bundle yields its entries' resources in bundle order, a single resource
// yields itself, and an absent or undecodable entry yields an empty slice.
func Normalize(entry *r4.BundleEntry) []json.RawMessage {
	if entry == nil || isAbsent(entry.Resource) {
		return []json.RawMessage{}
	}
	if r4.ResourceTypeOf(entry.Resource) != r4.ResourceTypeBundle {
		return []json.RawMessage{entry.Resource}
	}
	var b r4.Bundle
	if err := json.Unmarshal(entry.Resource, &b); err != nil {
		return []json.RawMessage{}
	}
	return bundleResources(&b)
}

func bundleResources(b *r4.Bundle) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(b.Entry))
	for _, e := range b.Entry {
		if isAbsent(e.Resource) {
			continue
		}
		out = append(out, e.Resource)
	}
	return out
}

func isAbsent(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, jsonNull)
}

// Collection normalizes entry and decodes every resource of resourceType into
// T. Resources of another type, such as search outcome OperationOutcomes, and
// resources that fail to decode are skipped.
func Collection[T any](entry *r4.BundleEntry, resourceType string) []*T {
	return decode[T](Normalize(entry), resourceType)
}

// BundleCollection decodes the resources of resourceType held directly in b.
func BundleCollection[T any](b *r4.Bundle, resourceType string) []*T {
	if b == nil {
		return []*T{}
	}
	return decode[T](bundleResources(b), resourceType)
}

// First returns the first resource of resourceType in entry, or nil.
func First[T any](entry *r4.BundleEntry, resourceType string) *T {
	all := Collection[T](entry, resourceType)
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

func decode[T any](raws []json.RawMessage, resourceType string) []*T {
	out := make([]*T, 0, len(raws))
	for _, raw := range raws {
		if r4.ResourceTypeOf(raw) != resourceType {
			continue
		}
		v := new(T)
		if err := json.Unmarshal(raw, v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}
