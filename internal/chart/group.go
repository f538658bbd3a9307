package chart

import "github.com/drfirst/go-chart/internal/fhir/r4"

// Group is one bucket of a grouping.
type Group[T any] struct {
	Key   string `json:"key"`
	Items []T    `json:"items"`
}

// Groups is an ordered grouping. Buckets appear in the order their key was
// first seen and items keep their input order within a bucket.
type Groups[T any] []Group[T]

// GroupBy partitions items by classify. Every item lands in exactly one
// bucket; the empty key is an ordinary bucket for unclassified items.
func GroupBy[T any](items []T, classify func(T) string) Groups[T] {
	groups := make(Groups[T], 0)
	index := make(map[string]int)
	for _, item := range items {
		key := classify(item)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group[T]{Key: key})
		}
		groups[i].Items = append(groups[i].Items, item)
	}
	return groups
}

// Get returns the items of the bucket with key, or nil.
func (g Groups[T]) Get(key string) []T {
	for _, grp := range g {
		if grp.Key == key {
			return grp.Items
		}
	}
	return nil
}

// Keys returns bucket keys in order.
func (g Groups[T]) Keys() []string {
	keys := make([]string, len(g))
	for i, grp := range g {
		keys[i] = grp.Key
	}
	return keys
}

// Count returns the total number of grouped items.
func (g Groups[T]) Count() int {
	n := 0
	for _, grp := range g {
		n += len(grp.Items)
	}
	return n
}

// AllergyCategory classifies an allergy by its first category, "" when none.
func AllergyCategory(a *r4.AllergyIntolerance) string {
	return a.PrimaryCategory()
}
