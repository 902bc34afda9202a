// Package service implements the endpoint-scoped resource operations for
// Users and Groups: validation, uniqueness, patching, and persistence.
package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/pranems/scimserver/scim"
	"github.com/pranems/scimserver/store"
)

// versionTag renders a monotonic version as the weak ETag token carried in
// meta.version and the ETag header.
func versionTag(version int64) string {
	return fmt.Sprintf(`W/"%d"`, version)
}

// resourceMeta builds the meta attribute from stored columns.
func resourceMeta(resourceType string, rec metaSource, location string) map[string]any {
	return scim.Meta{
		ResourceType: resourceType,
		Created:      scim.FormatTime(rec.created()),
		LastModified: scim.FormatTime(rec.modified()),
		Location:     location,
		Version:      versionTag(rec.version()),
	}.AsMap()
}

type metaSource interface {
	created() time.Time
	modified() time.Time
	version() int64
}

type userMeta struct{ rec *store.UserRecord }

func (m userMeta) created() time.Time  { return m.rec.CreatedAt }
func (m userMeta) modified() time.Time { return m.rec.ModifiedAt }
func (m userMeta) version() int64      { return m.rec.Version }

type groupMeta struct{ rec *store.GroupRecord }

func (m groupMeta) created() time.Time  { return m.rec.CreatedAt }
func (m groupMeta) modified() time.Time { return m.rec.ModifiedAt }
func (m groupMeta) version() int64      { return m.rec.Version }

// ensureSchema guarantees the primary schema URN is listed first.
func ensureSchema(doc scim.Document, primary string) {
	raw, _ := doc.Get("schemas")
	arr, _ := raw.([]any)
	for _, s := range arr {
		if str, ok := s.(string); ok && strings.EqualFold(str, primary) {
			return
		}
	}
	doc["schemas"] = append([]any{primary}, arr...)
}

// sanitizeIncoming strips the server-owned attributes from a client payload.
func sanitizeIncoming(doc scim.Document) scim.Document {
	work := doc.Clone()
	work.Delete("id")
	work.Delete("meta")
	return work
}

// clampCount resolves the effective page size: negative means the server
// default, and nothing exceeds maxResults. Zero is a valid size asking for
// the total only.
func clampCount(requested, defaultCount, maxResults int) int {
	if requested < 0 {
		requested = defaultCount
	}
	if requested > maxResults {
		requested = maxResults
	}
	return requested
}

// parseFilter compiles a filter string, shaping syntax failures into the
// SCIM invalidFilter error.
func parseFilter(raw string) (scim.Filter, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	f, err := scim.NewFilterParser(raw).Parse()
	if err != nil {
		return nil, scim.ErrInvalidFilter(fmt.Sprintf("invalid filter: %s", err))
	}
	return f, nil
}

// optionalString reads a string attribute, tolerating absence.
func optionalString(doc scim.Document, name string) string {
	return doc.GetString(name)
}

// boolAttribute reads a boolean attribute with client-side string and
// numeric spellings coerced, defaulting to fallback when absent.
func boolAttribute(doc scim.Document, name string, fallback bool) bool {
	raw, ok := doc.Get(name)
	if !ok || raw == nil {
		return fallback
	}
	switch t := raw.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(t) {
		case "true", "1":
			return true
		case "false", "0":
			return false
		}
	case float64:
		return t != 0
	}
	return fallback
}
