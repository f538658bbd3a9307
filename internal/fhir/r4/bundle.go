package r4

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Bundle types used by the chart service.
const (
	BundleTypeBatch         = "batch"
	BundleTypeBatchResponse = "batch-response"
	BundleTypeSearchset     = "searchset"
)

// Bundle represents a FHIR R4 Bundle. Entry resources are kept raw so that a
// single bundle can carry heterogeneous resource types.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Type         string        `json:"type"`
	Timestamp    string        `json:"timestamp,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleLink is a paging or self link.
type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// BundleEntry is one entry of a Bundle.
type BundleEntry struct {
	FullURL  string             `json:"fullUrl,omitempty"`
	Resource json.RawMessage    `json:"resource,omitempty"`
	Search   *BundleEntrySearch `json:"search,omitempty"`
	Request  *BundleRequest     `json:"request,omitempty"`
	Response *BundleResponse    `json:"response,omitempty"`
}

// BundleEntrySearch carries search-mode information for searchset entries.
type BundleEntrySearch struct {
	Mode string `json:"mode,omitempty"` // match | include | outcome
}

// BundleRequest is the request half of a batch entry.
type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// BundleResponse is the response half of a batch-response entry.
type BundleResponse struct {
	Status       string          `json:"status"`
	Location     string          `json:"location,omitempty"`
	Etag         string          `json:"etag,omitempty"`
	LastModified string          `json:"lastModified,omitempty"`
	Outcome      json.RawMessage `json:"outcome,omitempty"`
}

// StatusCode returns the numeric HTTP status of a batch-response entry, or 0
// when the entry carries no parsable status.
func (r *BundleResponse) StatusCode() int {
	if r == nil {
		return 0
	}
	code, _, _ := strings.Cut(strings.TrimSpace(r.Status), " ")
	n, err := strconv.Atoi(code)
	if err != nil {
		return 0
	}
	return n
}

// Failed reports whether the entry carries a non-2xx response status.
func (e *BundleEntry) Failed() bool {
	if e == nil || e.Response == nil {
		return false
	}
	code := e.Response.StatusCode()
	return code != 0 && (code < 200 || code > 299)
}

// ResourceTypeOf reads only the resourceType discriminator of a raw resource.
func ResourceTypeOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var probe struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.ResourceType
}
