package scim

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// ContentTypeSCIM is the media type for SCIM payloads (RFC 7644 section 3.1)
const ContentTypeSCIM = "application/scim+json; charset=utf-8"

// WriteJSON writes a SCIM JSON response
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", ContentTypeSCIM)
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Default().Error("failed to encode response body", "error", err)
	}
}

// WriteError shapes an error into the SCIM error envelope and writes it.
func WriteError(w http.ResponseWriter, err error) {
	scimErr := AsSCIMError(err)
	body := Error{
		Schemas: []string{SchemaError},
		Status:  strconv.Itoa(scimErr.Status),
		Detail:  scimErr.Detail,
	}
	if scimErr.ScimType != "" {
		body.ScimType = scimErr.ScimType
	}
	if scimErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="SCIM"`)
	}
	WriteJSON(w, scimErr.Status, body)
}

// DecodeJSONBody decodes a request body into v, mapping malformed JSON to an
// invalidSyntax error.
func DecodeJSONBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return ErrInvalidSyntax("request body is not valid JSON")
	}
	return nil
}

// ParseQueryParams extracts the list query parameters. attributes and
// excludedAttributes are mutually exclusive; supplying both is an error.
func ParseQueryParams(r *http.Request) (*QueryParams, error) {
	q := r.URL.Query()

	params := &QueryParams{
		Filter:     q.Get("filter"),
		StartIndex: 1,
		Count:      -1,
	}

	if raw := q.Get("startIndex"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, ErrInvalidValue("startIndex must be an integer")
		}
		params.StartIndex = n
	}
	if params.StartIndex < 1 {
		params.StartIndex = 1
	}

	if raw := q.Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, ErrInvalidValue("count must be an integer")
		}
		params.Count = n
	}

	params.Attributes = splitCommaList(q.Get("attributes"))
	params.ExcludedAttr = splitCommaList(q.Get("excludedAttributes"))

	if len(params.Attributes) > 0 && len(params.ExcludedAttr) > 0 {
		return nil, ErrInvalidValue("attributes and excludedAttributes are mutually exclusive")
	}

	return params, nil
}

// QueryParamsFromSearchRequest maps a POST .search body onto the same
// parameter set the GET list path uses.
func QueryParamsFromSearchRequest(req *SearchRequest) (*QueryParams, error) {
	params := &QueryParams{
		Filter:       req.Filter,
		StartIndex:   req.StartIndex,
		Count:        -1,
		Attributes:   req.Attributes,
		ExcludedAttr: req.ExcludedAttributes,
	}
	if params.StartIndex < 1 {
		params.StartIndex = 1
	}
	if req.Count != nil {
		params.Count = *req.Count
	}
	if len(params.Attributes) > 0 && len(params.ExcludedAttr) > 0 {
		return nil, ErrInvalidValue("attributes and excludedAttributes are mutually exclusive")
	}
	return params, nil
}

func splitCommaList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
