package scim

import (
	"encoding/json"
	"strings"
	"time"
)

// SCIM schema URNs used throughout the protocol layer.
const (
	SchemaListResponse   = "urn:ietf:params:scim:api:messages:2.0:ListResponse"
	SchemaError          = "urn:ietf:params:scim:api:messages:2.0:Error"
	SchemaPatchOp        = "urn:ietf:params:scim:api:messages:2.0:PatchOp"
	SchemaSearchRequest  = "urn:ietf:params:scim:api:messages:2.0:SearchRequest"
	SchemaUser           = "urn:ietf:params:scim:schemas:core:2.0:User"
	SchemaGroup          = "urn:ietf:params:scim:schemas:core:2.0:Group"
	SchemaEnterpriseUser = "urn:ietf:params:scim:schemas:extension:enterprise:2.0:User"
)

// Document is the full SCIM JSON representation of a resource, core schema
// and extension namespaces included. Resources are stored and manipulated as
// documents; typed accessors below cover the handful of attributes the
// service layer needs directly.
type Document map[string]any

// Clone returns a deep copy of the document. Patch operations always work on
// a clone so a failed operation never leaves a half-mutated resource behind.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return deepCopyMap(d)
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

// Get returns the value for an attribute name, matching case-insensitively
// per RFC 7643 section 2.1.
func (d Document) Get(name string) (any, bool) {
	if v, ok := d[name]; ok {
		return v, true
	}
	for k, v := range d {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

// GetString returns the attribute as a string, or "" if absent or not a string.
func (d Document) GetString(name string) string {
	v, ok := d.Get(name)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Set replaces the attribute, removing any differently-cased duplicate first.
func (d Document) Set(name string, value any) {
	d.Delete(name)
	d[name] = value
}

// Delete removes the attribute regardless of its key casing.
func (d Document) Delete(name string) {
	for k := range d {
		if strings.EqualFold(k, name) {
			delete(d, k)
		}
	}
}

// Meta is the SCIM meta complex attribute stamped onto every resource.
type Meta struct {
	ResourceType string `json:"resourceType"`
	Created      string `json:"created,omitempty"`
	LastModified string `json:"lastModified,omitempty"`
	Location     string `json:"location,omitempty"`
	Version      string `json:"version,omitempty"`
}

// AsMap converts the meta block into document form.
func (m Meta) AsMap() map[string]any {
	out := map[string]any{"resourceType": m.ResourceType}
	if m.Created != "" {
		out["created"] = m.Created
	}
	if m.LastModified != "" {
		out["lastModified"] = m.LastModified
	}
	if m.Location != "" {
		out["location"] = m.Location
	}
	if m.Version != "" {
		out["version"] = m.Version
	}
	return out
}

// FormatTime renders a timestamp the way SCIM meta attributes expect.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ListResponse is the SCIM list response envelope.
type ListResponse struct {
	Schemas      []string `json:"schemas"`
	TotalResults int      `json:"totalResults"`
	StartIndex   int      `json:"startIndex"`
	ItemsPerPage int      `json:"itemsPerPage"`
	Resources    []any    `json:"Resources"`
}

// NewListResponse builds a list envelope; an empty result set is a valid
// response with totalResults 0 and an empty Resources array.
func NewListResponse(total, startIndex int, resources []any) *ListResponse {
	if resources == nil {
		resources = []any{}
	}
	return &ListResponse{
		Schemas:      []string{SchemaListResponse},
		TotalResults: total,
		StartIndex:   startIndex,
		ItemsPerPage: len(resources),
		Resources:    resources,
	}
}

// Error is the RFC 7644 section 3.12 error document.
type Error struct {
	Schemas  []string `json:"schemas"`
	Status   string   `json:"status"`
	ScimType string   `json:"scimType,omitempty"`
	Detail   string   `json:"detail,omitempty"`
}

// PatchOp is the body of a PATCH request.
type PatchOp struct {
	Schemas    []string         `json:"schemas"`
	Operations []PatchOperation `json:"Operations"`
}

// PatchOperation is a single entry of the Operations array.
type PatchOperation struct {
	Op    string `json:"op"`
	Path  string `json:"path,omitempty"`
	Value any    `json:"value,omitempty"`
}

// SearchRequest is the body of POST .../.search. Count is a pointer so an
// explicit 0 (totals only) is distinguishable from an absent count.
type SearchRequest struct {
	Schemas            []string `json:"schemas"`
	Attributes         []string `json:"attributes,omitempty"`
	ExcludedAttributes []string `json:"excludedAttributes,omitempty"`
	Filter             string   `json:"filter,omitempty"`
	StartIndex         int      `json:"startIndex,omitempty"`
	Count              *int     `json:"count,omitempty"`
}

// QueryParams carries list/search parameters through the service layer.
// sortBy/sortOrder are accepted on the wire for client compatibility but
// ignored; the discovery document advertises sort as unsupported.
type QueryParams struct {
	Filter       string
	Attributes   []string
	ExcludedAttr []string
	StartIndex   int
	Count        int
}

// DecodeDocument parses a request body into a document without losing
// unknown attributes or extension namespaces.
func DecodeDocument(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Encode serializes the document for storage.
func (d Document) Encode() (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
