// Package entity defines the ministry records the engine keeps and the
// backend operations that read and write them. Each record type gets a
// cache-aware accessor pair and, for the writable types, a registered
// replay kind so offline writes drain through the outbox.
package entity

import "time"

// Mutation kinds registered with the sync engine. The kind string is
// persisted with each queued mutation, so these are part of the on-disk
// format and must stay stable across releases.
const (
	KindUpsertEstablishment = "upsert-establishment"
	KindUpsertHouseholder   = "upsert-householder"
	KindUpsertVisit         = "upsert-visit"
)

// Establishment statuses accepted by the backend.
const (
	StatusOpen     = "open"
	StatusClosed   = "closed"
	StatusDeclined = "declined"
)

// Profile is the signed-in publisher's own record.
type Profile struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	CongregationID string `json:"congregation_id"`
}

// Congregation is the group a profile belongs to.
type Congregation struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"`
}

// Establishment is a business or public place worked in the territory.
type Establishment struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Status    string    `json:"status"`
	Notes     string    `json:"notes,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Householder is a person contacted at an establishment.
type Householder struct {
	ID              string `json:"id"`
	EstablishmentID string `json:"establishment_id"`
	Name            string `json:"name"`
	Notes           string `json:"notes,omitempty"`
}

// Visit records one call on a householder or establishment.
type Visit struct {
	ID              string    `json:"id"`
	EstablishmentID string    `json:"establishment_id"`
	HouseholderID   string    `json:"householder_id,omitempty"`
	Note            string    `json:"note,omitempty"`
	VisitedAt       time.Time `json:"visited_at"`
}

// Cache keys are deterministic so a re-fetch always lands on the same entry.

func profileKey(id string) string       { return "profile:" + id }
func congregationKey(id string) string  { return "congregation:" + id }
func establishmentKey(id string) string { return "establishment:" + id }
func householderKey(id string) string   { return "householder:" + id }
func visitKey(id string) string         { return "visit:" + id }
