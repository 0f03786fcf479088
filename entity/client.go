package entity

import (
	"context"
	"fmt"

	"github.com/ministrykeeper/fieldsync/remote"
)

// Client is the backend API surface for ministry records. Writes are PUTs
// keyed on the client-generated record ID, so replaying the same mutation
// twice lands on the same logical record.
type Client struct {
	api *remote.Client
}

// NewClient wraps the remote client with entity endpoints.
func NewClient(api *remote.Client) *Client {
	return &Client{api: api}
}

// GetProfile fetches the publisher's own record.
func (c *Client) GetProfile(ctx context.Context, id string) (*Profile, error) {
	var p Profile
	if err := c.api.GetJSON(ctx, "/api/profiles/"+id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetCongregation fetches a congregation by ID.
func (c *Client) GetCongregation(ctx context.Context, id string) (*Congregation, error) {
	var cg Congregation
	if err := c.api.GetJSON(ctx, "/api/congregations/"+id, &cg); err != nil {
		return nil, err
	}
	return &cg, nil
}

// GetEstablishment fetches an establishment by ID.
func (c *Client) GetEstablishment(ctx context.Context, id string) (*Establishment, error) {
	var e Establishment
	if err := c.api.GetJSON(ctx, "/api/establishments/"+id, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// UpsertEstablishment writes an establishment and returns the canonical
// server copy.
func (c *Client) UpsertEstablishment(ctx context.Context, e *Establishment) (*Establishment, error) {
	if e.ID == "" {
		return nil, fmt.Errorf("upserting establishment: missing id")
	}
	var out Establishment
	if err := c.api.PutJSON(ctx, "/api/establishments/"+e.ID, e, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetHouseholder fetches a householder by ID.
func (c *Client) GetHouseholder(ctx context.Context, id string) (*Householder, error) {
	var h Householder
	if err := c.api.GetJSON(ctx, "/api/householders/"+id, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// UpsertHouseholder writes a householder and returns the canonical server copy.
func (c *Client) UpsertHouseholder(ctx context.Context, h *Householder) (*Householder, error) {
	if h.ID == "" {
		return nil, fmt.Errorf("upserting householder: missing id")
	}
	var out Householder
	if err := c.api.PutJSON(ctx, "/api/householders/"+h.ID, h, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetVisit fetches a visit by ID.
func (c *Client) GetVisit(ctx context.Context, id string) (*Visit, error) {
	var v Visit
	if err := c.api.GetJSON(ctx, "/api/visits/"+id, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// UpsertVisit writes a visit record and returns the canonical server copy.
func (c *Client) UpsertVisit(ctx context.Context, v *Visit) (*Visit, error) {
	if v.ID == "" {
		return nil, fmt.Errorf("upserting visit: missing id")
	}
	var out Visit
	if err := c.api.PutJSON(ctx, "/api/visits/"+v.ID, v, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
