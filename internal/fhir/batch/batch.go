// Package batch builds FHIR batch bundles from named slots and maps the
// positional batch-response back onto those names, so callers never index
// response entries by position.
package batch

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/drfirst/go-chart/internal/fhir/r4"
)

// Slot names one request within a batch.
type Slot string

// ErrDuplicateSlot is returned by Build when a slot name is used twice.
var ErrDuplicateSlot = errors.New("batch: duplicate slot")

// ErrEmpty is returned by Build when no request was added.
var ErrEmpty = errors.New("batch: no requests")

type request struct {
	slot   Slot
	method string
	url    string
}

// Request is an ordered set of named requests.
type Request struct {
	requests []request
	seen     map[Slot]struct{}
	err      error
}

// New starts an empty batch request.
func New() *Request {
	return &Request{seen: make(map[Slot]struct{})}
}

// Get adds a GET for the relative url under slot.
func (r *Request) Get(slot Slot, url string) *Request {
	return r.add(slot, http.MethodGet, url)
}

func (r *Request) add(slot Slot, method, url string) *Request {
	if r.err != nil {
		return r
	}
	if _, dup := r.seen[slot]; dup {
		r.err = fmt.Errorf("%w: %q", ErrDuplicateSlot, slot)
		return r
	}
	r.seen[slot] = struct{}{}
	r.requests = append(r.requests, request{slot: slot, method: method, url: url})
	return r
}

// Slots returns slot names in request order.
func (r *Request) Slots() []Slot {
	out := make([]Slot, len(r.requests))
	for i, req := range r.requests {
		out[i] = req.slot
	}
	return out
}

// Build renders the request as a FHIR batch Bundle.
func (r *Request) Build() (*r4.Bundle, error) {
	if r.err != nil {
		return nil, r.err
	}
	if len(r.requests) == 0 {
		return nil, ErrEmpty
	}
	b := &r4.Bundle{
		ResourceType: r4.ResourceTypeBundle,
		Type:         r4.BundleTypeBatch,
		Entry:        make([]r4.BundleEntry, len(r.requests)),
	}
	for i, req := range r.requests {
		b.Entry[i] = r4.BundleEntry{Request: &r4.BundleRequest{Method: req.method, URL: req.url}}
	}
	return b, nil
}

// Result is a batch-response keyed by slot.
type Result struct {
	entries map[Slot]*r4.BundleEntry
}

// Bind pairs the response entries with the request's slots. Batch responses
// answer entries in request order; slots without a matching entry, or whose
// entry reports a non-2xx status, read as absent.
func (r *Request) Bind(resp *r4.Bundle) *Result {
	res := &Result{entries: make(map[Slot]*r4.BundleEntry, len(r.requests))}
	if resp == nil {
		return res
	}
	for i, req := range r.requests {
		if i >= len(resp.Entry) {
			break
		}
		entry := &resp.Entry[i]
		if entry.Failed() {
			continue
		}
		res.entries[req.slot] = entry
	}
	return res
}

// NewResult builds a result directly from slot entries. Nil entries are treated as absent.
func NewResult(entries map[Slot]*r4.BundleEntry) *Result {
	res := &Result{entries: make(map[Slot]*r4.BundleEntry, len(entries))}
	for slot, e := range entries {
		if e != nil {
			res.entries[slot] = e
		}
	}
	return res
}

// Entry returns the response entry for slot, or nil when absent.
func (r *Result) Entry(slot Slot) *r4.BundleEntry {
	if r == nil {
		return nil
	}
	return r.entries[slot]
}

// Has reports whether slot has a usable response entry.
func (r *Result) Has(slot Slot) bool {
	return r.Entry(slot) != nil
}
