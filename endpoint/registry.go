package endpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pranems/scimserver/scim"
	"github.com/pranems/scimserver/store"
)

// Registry errors. ErrInvalid wraps every validation failure so callers can
// map the whole class to one HTTP status.
var (
	ErrNotFound  = errors.New("endpoint not found")
	ErrNameTaken = errors.New("endpoint name already in use")
	ErrInvalid   = errors.New("invalid endpoint")
)

// Registry manages endpoints on top of the store.
type Registry struct {
	store *store.Store
}

// NewRegistry creates a registry
func NewRegistry(st *store.Store) *Registry {
	return &Registry{store: st}
}

// CreateInput are the client-supplied fields for a new endpoint.
type CreateInput struct {
	Name        string            `json:"name"`
	DisplayName string            `json:"displayName"`
	Description string            `json:"description"`
	Config      map[string]string `json:"config"`
}

// UpdateInput carries partial updates; nil fields are left unchanged.
type UpdateInput struct {
	DisplayName *string            `json:"displayName"`
	Description *string            `json:"description"`
	Active      *bool              `json:"active"`
	Config      *map[string]string `json:"config"`
}

// Stats counts the resources owned by an endpoint.
type Stats struct {
	Users       int `json:"users"`
	Groups      int `json:"groups"`
	Memberships int `json:"memberships"`
}

// Create registers a new endpoint. Names are globally unique.
func (r *Registry) Create(ctx context.Context, in CreateInput) (*Endpoint, error) {
	if err := ValidateName(in.Name); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	if err := ValidateConfig(in.Config); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, err)
	}

	now := time.Now().UTC()
	ep := &Endpoint{
		ID:          uuid.NewString(),
		Name:        in.Name,
		DisplayName: in.DisplayName,
		Description: in.Description,
		Active:      true,
		Config:      in.Config,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if ep.Config == nil {
		ep.Config = map[string]string{}
	}

	rec := toRecord(ep)
	if err := r.store.InsertEndpoint(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrNameTaken
		}
		return nil, err
	}
	return ep, nil
}

// GetByID reads an endpoint.
func (r *Registry) GetByID(ctx context.Context, id string) (*Endpoint, error) {
	rec, err := r.store.GetEndpoint(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(rec), nil
}

// GetByName reads an endpoint by its case-insensitive name.
func (r *Registry) GetByName(ctx context.Context, name string) (*Endpoint, error) {
	rec, err := r.store.GetEndpointByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(rec), nil
}

// List returns endpoints, optionally restricted by activation state.
func (r *Registry) List(ctx context.Context, activeOnly *bool) ([]*Endpoint, error) {
	recs, err := r.store.ListEndpoints(ctx, activeOnly)
	if err != nil {
		return nil, err
	}
	out := make([]*Endpoint, 0, len(recs))
	for i := range recs {
		out = append(out, fromRecord(&recs[i]))
	}
	return out, nil
}

// Update applies a partial update. Name and id are immutable.
func (r *Registry) Update(ctx context.Context, id string, in UpdateInput) (*Endpoint, error) {
	ep, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.DisplayName != nil {
		ep.DisplayName = *in.DisplayName
	}
	if in.Description != nil {
		ep.Description = *in.Description
	}
	if in.Active != nil {
		ep.Active = *in.Active
	}
	if in.Config != nil {
		if err := ValidateConfig(*in.Config); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalid, err)
		}
		ep.Config = *in.Config
		if ep.Config == nil {
			ep.Config = map[string]string{}
		}
	}
	ep.UpdatedAt = time.Now().UTC()

	if err := r.store.UpdateEndpoint(ctx, toRecord(ep)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return ep, nil
}

// Delete removes an endpoint and everything it owns.
func (r *Registry) Delete(ctx context.Context, id string) error {
	err := r.store.DeleteEndpoint(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// Stats counts the endpoint's users, groups, and memberships.
func (r *Registry) Stats(ctx context.Context, id string) (*Stats, error) {
	stats, err := r.store.GetEndpointStats(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Stats{Users: stats.Users, Groups: stats.Groups, Memberships: stats.Memberships}, nil
}

// ResolveEndpoint implements the protocol layer's tenant lookup.
func (r *Registry) ResolveEndpoint(ctx context.Context, id string) (*scim.EndpointInfo, error) {
	ep, err := r.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, scim.NewSCIMError(404, fmt.Sprintf("Endpoint %s not found", id), "")
	}
	if err != nil {
		return nil, err
	}
	return &scim.EndpointInfo{
		ID:     ep.ID,
		Name:   ep.Name,
		Active: ep.Active,
		Patch:  ep.PatchOptions(),
	}, nil
}

func toRecord(ep *Endpoint) *store.EndpointRecord {
	return &store.EndpointRecord{
		ID:          ep.ID,
		Name:        ep.Name,
		DisplayName: ep.DisplayName,
		Description: ep.Description,
		Active:      ep.Active,
		Config:      store.EncodeEndpointConfig(ep.Config),
		CreatedAt:   ep.CreatedAt,
		UpdatedAt:   ep.UpdatedAt,
	}
}

func fromRecord(rec *store.EndpointRecord) *Endpoint {
	return &Endpoint{
		ID:          rec.ID,
		Name:        rec.Name,
		DisplayName: rec.DisplayName,
		Description: rec.Description,
		Active:      rec.Active,
		Config:      rec.ConfigMap(),
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
}
