package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pranems/scimserver/scim"
	"github.com/pranems/scimserver/store"
)

// Groups implements the Group resource operations. Membership edges live in
// their own relation; the stored payload never contains the members
// attribute, which is materialized from the edges on every read.
type Groups struct {
	store        *store.Store
	logger       *slog.Logger
	defaultCount int
	maxResults   int
}

// NewGroups creates the Group service
func NewGroups(st *store.Store, logger *slog.Logger, defaultCount, maxResults int) *Groups {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Groups{store: st, logger: logger, defaultCount: defaultCount, maxResults: maxResults}
}

// Create validates and persists a new group with its memberships.
func (g *Groups) Create(ctx context.Context, rc *scim.RequestContext, doc scim.Document) (scim.Document, error) {
	work := sanitizeIncoming(doc)
	ensureSchema(work, scim.SchemaGroup)

	displayName := optionalString(work, "displayName")
	if displayName == "" {
		return nil, scim.ErrInvalidValue("displayName is required")
	}

	id := uuid.NewString()
	members, err := g.resolveMembers(ctx, rc.EndpointID, id, work)
	if err != nil {
		return nil, err
	}
	work.Delete("members")
	work.Set("id", id)

	now := time.Now().UTC()
	rec := &store.GroupRecord{
		EndpointID:  rc.EndpointID,
		ID:          id,
		DisplayName: displayName,
		ExternalID:  nullable(optionalString(work, "externalId")),
		CreatedAt:   now,
		ModifiedAt:  now,
	}

	payload, err := work.Encode()
	if err != nil {
		return nil, err
	}
	rec.Payload = payload

	if err := g.store.InsertGroup(ctx, rec, members); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, scim.ErrUniqueness("a group with this displayName or externalId already exists")
		}
		g.logger.Error("group create failed", "endpoint", rc.EndpointID, "error", err)
		return nil, err
	}

	return g.render(ctx, rec, members, rc)
}

// Get reads a group, applying attribute projection.
func (g *Groups) Get(ctx context.Context, rc *scim.RequestContext, id string, params *scim.QueryParams) (scim.Document, error) {
	rec, err := g.store.GetGroup(ctx, rc.EndpointID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, scim.ErrNotFound("Group", id)
	}
	if err != nil {
		return nil, err
	}
	members, err := g.store.GetGroupMembers(ctx, rc.EndpointID, id)
	if err != nil {
		return nil, err
	}
	doc, err := g.render(ctx, rec, members, rc)
	if err != nil {
		return nil, err
	}
	if params != nil {
		doc = scim.NewAttributeSelector(params.Attributes, params.ExcludedAttr).Project(doc)
	}
	return doc, nil
}

// List filters, pages, and projects the endpoint's groups.
func (g *Groups) List(ctx context.Context, rc *scim.RequestContext, params *scim.QueryParams) (*scim.ListResponse, error) {
	filter, err := parseFilter(params.Filter)
	if err != nil {
		return nil, err
	}
	count := clampCount(params.Count, g.defaultCount, g.maxResults)
	plan := store.PlanGroupFilter(filter)
	selector := scim.NewAttributeSelector(params.Attributes, params.ExcludedAttr)

	if plan.Exact {
		total, err := g.store.CountGroups(ctx, rc.EndpointID, plan)
		if err != nil {
			return nil, err
		}
		if count == 0 {
			return scim.NewListResponse(total, params.StartIndex, []any{}), nil
		}
		recs, err := g.store.SelectGroups(ctx, rc.EndpointID, plan, count, params.StartIndex-1)
		if err != nil {
			return nil, err
		}
		docs, err := g.renderAll(ctx, recs, rc)
		if err != nil {
			return nil, err
		}
		return scim.NewListResponse(total, params.StartIndex, selector.ProjectAll(docs)), nil
	}

	// Residual predicates (members[...], payload-only attributes) run in
	// memory over a bounded page with memberships materialized.
	recs, err := g.store.SelectGroups(ctx, rc.EndpointID, plan, g.maxResults, 0)
	if err != nil {
		return nil, err
	}
	docs, err := g.renderAll(ctx, recs, rc)
	if err != nil {
		return nil, err
	}
	matched := scim.FilterDocuments(docs, plan.Residual)
	page, startIndex, _ := scim.ApplyPagination(matched, params.StartIndex, count)
	return scim.NewListResponse(len(matched), startIndex, selector.ProjectAll(page)), nil
}

// Replace performs a whole-document PUT, rewriting memberships.
func (g *Groups) Replace(ctx context.Context, rc *scim.RequestContext, id string, doc scim.Document) (scim.Document, error) {
	rec, err := g.store.GetGroup(ctx, rc.EndpointID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, scim.ErrNotFound("Group", id)
	}
	if err != nil {
		return nil, err
	}

	work := sanitizeIncoming(doc)
	ensureSchema(work, scim.SchemaGroup)
	work.Set("id", rec.ID)

	if optionalString(work, "displayName") == "" {
		return nil, scim.ErrInvalidValue("displayName is required")
	}

	members, err := g.resolveMembers(ctx, rc.EndpointID, rec.ID, work)
	if err != nil {
		return nil, err
	}
	work.Delete("members")

	return g.persist(ctx, rc, rec, work, members)
}

// Patch applies patch operations against the materialized document,
// including its members, then persists payload and memberships.
func (g *Groups) Patch(ctx context.Context, rc *scim.RequestContext, id string, patch *scim.PatchOp) (scim.Document, error) {
	rec, err := g.store.GetGroup(ctx, rc.EndpointID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, scim.ErrNotFound("Group", id)
	}
	if err != nil {
		return nil, err
	}
	current, err := g.store.GetGroupMembers(ctx, rc.EndpointID, id)
	if err != nil {
		return nil, err
	}

	doc, err := g.render(ctx, rec, current, rc)
	if err != nil {
		return nil, err
	}

	result, err := scim.NewPatchProcessor(rc.Patch).Apply(doc, patch)
	if err != nil {
		return nil, err
	}

	if optionalString(result, "displayName") == "" {
		return nil, scim.ErrInvalidValue("displayName cannot be removed")
	}

	members, err := g.resolveMembers(ctx, rc.EndpointID, rec.ID, result)
	if err != nil {
		return nil, err
	}
	result.Delete("members")
	result.Delete("meta")

	return g.persist(ctx, rc, rec, result, members)
}

// Delete hard-deletes a group and its membership edges.
func (g *Groups) Delete(ctx context.Context, rc *scim.RequestContext, id string) error {
	err := g.store.DeleteGroup(ctx, rc.EndpointID, id)
	if errors.Is(err, store.ErrNotFound) {
		return scim.ErrNotFound("Group", id)
	}
	return err
}

func (g *Groups) persist(ctx context.Context, rc *scim.RequestContext, rec *store.GroupRecord, work scim.Document, members []store.MemberRecord) (scim.Document, error) {
	payload, err := work.Encode()
	if err != nil {
		return nil, err
	}
	rec.Payload = payload
	rec.DisplayName = optionalString(work, "displayName")
	rec.ExternalID = nullable(optionalString(work, "externalId"))
	rec.ModifiedAt = time.Now().UTC()

	version, err := g.store.UpdateGroup(ctx, rec, members)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, scim.ErrUniqueness("a group with this displayName or externalId already exists")
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, scim.ErrNotFound("Group", rec.ID)
		}
		g.logger.Error("group update failed", "endpoint", rc.EndpointID, "id", rec.ID, "error", err)
		return nil, err
	}
	rec.Version = version

	return g.render(ctx, rec, members, rc)
}

// resolveMembers extracts the members attribute and resolves every entry to
// an existing user in the endpoint. Resolution happens before the write
// transaction opens, so the transaction itself carries no read dependencies.
func (g *Groups) resolveMembers(ctx context.Context, endpointID, groupID string, doc scim.Document) ([]store.MemberRecord, error) {
	raw, ok := doc.Get("members")
	if !ok || raw == nil {
		return nil, nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil, scim.ErrInvalidValue("members must be an array")
	}

	seen := make(map[string]bool, len(arr))
	var records []store.MemberRecord
	var ids []string
	for _, entry := range arr {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, scim.ErrInvalidValue("each member must be an object with a value attribute")
		}
		md := scim.Document(m)
		value := md.GetString("value")
		if value == "" {
			return nil, scim.ErrInvalidValue("member entries require a value attribute")
		}
		if seen[value] {
			continue
		}
		seen[value] = true
		display := md.GetString("display")
		memberType := md.GetString("type")
		if memberType == "" {
			memberType = "User"
		}
		records = append(records, store.MemberRecord{
			EndpointID: endpointID,
			GroupID:    groupID,
			UserID:     value,
			Display:    display,
			MemberType: memberType,
		})
		ids = append(ids, value)
	}

	exists, err := g.store.UserIDsExist(ctx, endpointID, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if !exists[id] {
			return nil, scim.ErrInvalidValue(fmt.Sprintf("member %s does not exist in this endpoint", id))
		}
	}

	// Backfill display names from the user records when the client omitted
	// them.
	for i := range records {
		if records[i].Display != "" {
			continue
		}
		if user, err := g.store.GetUser(ctx, endpointID, records[i].UserID); err == nil {
			if user.DisplayName != "" {
				records[i].Display = user.DisplayName
			} else {
				records[i].Display = user.UserName
			}
		}
	}

	return records, nil
}

// render materializes the response document: stored payload, members from
// the membership relation, and server-derived meta.
func (g *Groups) render(ctx context.Context, rec *store.GroupRecord, members []store.MemberRecord, rc *scim.RequestContext) (scim.Document, error) {
	doc, err := scim.DecodeDocument([]byte(rec.Payload))
	if err != nil {
		g.logger.Error("stored group payload is corrupt", "endpoint", rec.EndpointID, "id", rec.ID, "error", err)
		return nil, err
	}

	if len(members) > 0 {
		arr := make([]any, 0, len(members))
		for _, m := range members {
			entry := map[string]any{
				"value": m.UserID,
				"type":  m.MemberType,
				"$ref":  scim.ResourceLocation(rc.BaseURL, rc.EndpointID, "Users", m.UserID),
			}
			if m.Display != "" {
				entry["display"] = m.Display
			}
			arr = append(arr, entry)
		}
		doc.Set("members", arr)
	} else {
		doc.Delete("members")
	}

	location := scim.ResourceLocation(rc.BaseURL, rc.EndpointID, "Groups", rec.ID)
	doc.Set("meta", resourceMeta("Group", groupMeta{rec}, location))
	return doc, nil
}

func (g *Groups) renderAll(ctx context.Context, recs []store.GroupRecord, rc *scim.RequestContext) ([]scim.Document, error) {
	ids := make([]string, 0, len(recs))
	for i := range recs {
		ids = append(ids, recs[i].ID)
	}
	membersByGroup, err := g.store.GetMembersForGroups(ctx, rc.EndpointID, ids)
	if err != nil {
		return nil, err
	}

	docs := make([]scim.Document, 0, len(recs))
	for i := range recs {
		doc, err := g.render(ctx, &recs[i], membersByGroup[recs[i].ID], rc)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
