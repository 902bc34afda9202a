package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pranems/scimserver/scim"
	"github.com/pranems/scimserver/store"
)

// Users implements the User resource operations.
type Users struct {
	store        *store.Store
	logger       *slog.Logger
	defaultCount int
	maxResults   int
}

// NewUsers creates the User service
func NewUsers(st *store.Store, logger *slog.Logger, defaultCount, maxResults int) *Users {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Users{store: st, logger: logger, defaultCount: defaultCount, maxResults: maxResults}
}

// Create validates and persists a new user.
func (u *Users) Create(ctx context.Context, rc *scim.RequestContext, doc scim.Document) (scim.Document, error) {
	work := sanitizeIncoming(doc)
	ensureSchema(work, scim.SchemaUser)

	userName := optionalString(work, "userName")
	if userName == "" {
		return nil, scim.ErrInvalidValue("userName is required")
	}
	// Pre-check for a friendlier conflict detail; the unique index still
	// backstops concurrent creates.
	if _, err := u.store.GetUserByUserName(ctx, rc.EndpointID, userName); err == nil {
		return nil, scim.ErrUniqueness(fmt.Sprintf("a user with userName %q already exists", userName))
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	work.Set("active", boolAttribute(work, "active", true))

	now := time.Now().UTC()
	rec := &store.UserRecord{
		EndpointID:  rc.EndpointID,
		ID:          uuid.NewString(),
		UserName:    userName,
		ExternalID:  nullable(optionalString(work, "externalId")),
		DisplayName: optionalString(work, "displayName"),
		Active:      boolAttribute(work, "active", true),
		CreatedAt:   now,
		ModifiedAt:  now,
	}
	work.Set("id", rec.ID)

	payload, err := work.Encode()
	if err != nil {
		return nil, err
	}
	rec.Payload = payload

	if err := u.store.InsertUser(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, scim.ErrUniqueness("a user with this userName or externalId already exists")
		}
		u.logger.Error("user create failed", "endpoint", rc.EndpointID, "error", err)
		return nil, err
	}

	return u.render(rec, rc)
}

// Get reads a user, applying attribute projection.
func (u *Users) Get(ctx context.Context, rc *scim.RequestContext, id string, params *scim.QueryParams) (scim.Document, error) {
	rec, err := u.store.GetUser(ctx, rc.EndpointID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, scim.ErrNotFound("User", id)
	}
	if err != nil {
		return nil, err
	}
	doc, err := u.render(rec, rc)
	if err != nil {
		return nil, err
	}
	if params != nil {
		doc = scim.NewAttributeSelector(params.Attributes, params.ExcludedAttr).Project(doc)
	}
	return doc, nil
}

// List filters, pages, and projects the endpoint's users.
func (u *Users) List(ctx context.Context, rc *scim.RequestContext, params *scim.QueryParams) (*scim.ListResponse, error) {
	filter, err := parseFilter(params.Filter)
	if err != nil {
		return nil, err
	}
	count := clampCount(params.Count, u.defaultCount, u.maxResults)
	plan := store.PlanUserFilter(filter)
	selector := scim.NewAttributeSelector(params.Attributes, params.ExcludedAttr)

	if plan.Exact {
		total, err := u.store.CountUsers(ctx, rc.EndpointID, plan)
		if err != nil {
			return nil, err
		}
		if count == 0 {
			return scim.NewListResponse(total, params.StartIndex, []any{}), nil
		}
		recs, err := u.store.SelectUsers(ctx, rc.EndpointID, plan, count, params.StartIndex-1)
		if err != nil {
			return nil, err
		}
		docs, err := u.renderAll(recs, rc)
		if err != nil {
			return nil, err
		}
		return scim.NewListResponse(total, params.StartIndex, selector.ProjectAll(docs)), nil
	}

	// Residual predicates run in memory over a bounded page.
	recs, err := u.store.SelectUsers(ctx, rc.EndpointID, plan, u.maxResults, 0)
	if err != nil {
		return nil, err
	}
	docs, err := u.renderAll(recs, rc)
	if err != nil {
		return nil, err
	}
	matched := scim.FilterDocuments(docs, plan.Residual)
	page, startIndex, _ := scim.ApplyPagination(matched, params.StartIndex, count)
	return scim.NewListResponse(len(matched), startIndex, selector.ProjectAll(page)), nil
}

// Replace performs a whole-document PUT.
func (u *Users) Replace(ctx context.Context, rc *scim.RequestContext, id string, doc scim.Document) (scim.Document, error) {
	rec, err := u.store.GetUser(ctx, rc.EndpointID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, scim.ErrNotFound("User", id)
	}
	if err != nil {
		return nil, err
	}

	work := sanitizeIncoming(doc)
	ensureSchema(work, scim.SchemaUser)
	work.Set("id", rec.ID)

	userName := optionalString(work, "userName")
	if userName == "" {
		return nil, scim.ErrInvalidValue("userName is required")
	}
	work.Set("active", boolAttribute(work, "active", true))

	return u.persist(ctx, rc, rec, work)
}

// Patch applies patch operations and persists the result.
func (u *Users) Patch(ctx context.Context, rc *scim.RequestContext, id string, patch *scim.PatchOp) (scim.Document, error) {
	rec, err := u.store.GetUser(ctx, rc.EndpointID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, scim.ErrNotFound("User", id)
	}
	if err != nil {
		return nil, err
	}

	current, err := u.render(rec, rc)
	if err != nil {
		return nil, err
	}

	result, err := scim.NewPatchProcessor(rc.Patch).Apply(current, patch)
	if err != nil {
		return nil, err
	}

	if optionalString(result, "userName") == "" {
		return nil, scim.ErrInvalidValue("userName cannot be removed")
	}
	result.Delete("meta")

	return u.persist(ctx, rc, rec, result)
}

// Delete hard-deletes a user and its membership edges.
func (u *Users) Delete(ctx context.Context, rc *scim.RequestContext, id string) error {
	err := u.store.DeleteUser(ctx, rc.EndpointID, id)
	if errors.Is(err, store.ErrNotFound) {
		return scim.ErrNotFound("User", id)
	}
	return err
}

// persist writes an updated document and re-renders it with the bumped
// version.
func (u *Users) persist(ctx context.Context, rc *scim.RequestContext, rec *store.UserRecord, work scim.Document) (scim.Document, error) {
	// User documents always carry a boolean active, defaulting true, so the
	// extracted column and the stored payload cannot drift apart. Removing
	// the attribute via PATCH resets it to the default.
	work.Set("active", boolAttribute(work, "active", true))

	payload, err := work.Encode()
	if err != nil {
		return nil, err
	}
	rec.Payload = payload
	rec.UserName = optionalString(work, "userName")
	rec.ExternalID = nullable(optionalString(work, "externalId"))
	rec.DisplayName = optionalString(work, "displayName")
	rec.Active = boolAttribute(work, "active", true)
	rec.ModifiedAt = time.Now().UTC()

	version, err := u.store.UpdateUser(ctx, rec)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, scim.ErrUniqueness("a user with this userName or externalId already exists")
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, scim.ErrNotFound("User", rec.ID)
		}
		u.logger.Error("user update failed", "endpoint", rc.EndpointID, "id", rec.ID, "error", err)
		return nil, err
	}
	rec.Version = version

	return u.render(rec, rc)
}

// render materializes the response document: the stored payload plus
// server-derived meta, with write-only attributes removed.
func (u *Users) render(rec *store.UserRecord, rc *scim.RequestContext) (scim.Document, error) {
	doc, err := scim.DecodeDocument([]byte(rec.Payload))
	if err != nil {
		u.logger.Error("stored user payload is corrupt", "endpoint", rec.EndpointID, "id", rec.ID, "error", err)
		return nil, err
	}
	doc.Delete("password")
	location := scim.ResourceLocation(rc.BaseURL, rc.EndpointID, "Users", rec.ID)
	doc.Set("meta", resourceMeta("User", userMeta{rec}, location))
	return doc, nil
}

func (u *Users) renderAll(recs []store.UserRecord, rc *scim.RequestContext) ([]scim.Document, error) {
	docs := make([]scim.Document, 0, len(recs))
	for i := range recs {
		doc, err := u.render(&recs[i], rc)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
