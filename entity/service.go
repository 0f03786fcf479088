package entity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ministrykeeper/fieldsync/accessor"
	"github.com/ministrykeeper/fieldsync/store"
	"github.com/ministrykeeper/fieldsync/syncer"
)

// Service is the engine's domain surface: every read goes through a
// cache-aware accessor and every write either reaches the backend or lands
// in the outbox. Constructing a Service also registers the replay handlers,
// so a restart with queued mutations can always drain them.
type Service struct {
	client *Client
	logger *slog.Logger
	now    func() time.Time

	profiles       *accessor.Reader[Profile]
	congregations  *accessor.Reader[Congregation]
	establishments *accessor.Reader[Establishment]
	householders   *accessor.Reader[Householder]
	visits         *accessor.Reader[Visit]

	establishmentWriter *accessor.Writer[Establishment]
	householderWriter   *accessor.Writer[Householder]
	visitWriter         *accessor.Writer[Visit]
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger for the service.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService builds the accessors over the store and engine and registers
// the replay handlers for every writable kind. online reports the monitor's
// current verdict.
func NewService(st store.Store, engine *syncer.Engine, online func() bool, client *Client, opts ...ServiceOption) *Service {
	s := &Service{
		client: client,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	logger := s.logger.With("component", "entity")

	s.profiles = accessor.NewReader[Profile](st, online, logger)
	s.congregations = accessor.NewReader[Congregation](st, online, logger)
	s.establishments = accessor.NewReader[Establishment](st, online, logger)
	s.householders = accessor.NewReader[Householder](st, online, logger)
	s.visits = accessor.NewReader[Visit](st, online, logger)

	s.establishmentWriter = accessor.NewWriter[Establishment](st, engine, online, KindUpsertEstablishment, logger)
	s.householderWriter = accessor.NewWriter[Householder](st, engine, online, KindUpsertHouseholder, logger)
	s.visitWriter = accessor.NewWriter[Visit](st, engine, online, KindUpsertVisit, logger)

	engine.Register(KindUpsertEstablishment, replay(client.UpsertEstablishment))
	engine.Register(KindUpsertHouseholder, replay(client.UpsertHouseholder))
	engine.Register(KindUpsertVisit, replay(client.UpsertVisit))

	return s
}

// replay adapts a typed upsert into a handler over the stored payload. The
// pushed record carries the same client-generated ID every time, which is
// what makes an interrupted-and-repeated flush safe.
func replay[T any](push func(ctx context.Context, rec *T) (*T, error)) syncer.ReplayFunc {
	return func(ctx context.Context, m *store.Mutation) error {
		var rec T
		if err := json.Unmarshal(m.Payload, &rec); err != nil {
			return fmt.Errorf("decoding %s payload: %w", m.Kind, err)
		}
		_, err := push(ctx, &rec)
		return err
	}
}

// Profile returns the publisher's record, cached when unreachable.
func (s *Service) Profile(ctx context.Context, id string) (*Profile, error) {
	return s.profiles.Get(ctx, profileKey(id), func(ctx context.Context) (*Profile, error) {
		return s.client.GetProfile(ctx, id)
	})
}

// Congregation returns a congregation, cached when unreachable.
func (s *Service) Congregation(ctx context.Context, id string) (*Congregation, error) {
	return s.congregations.Get(ctx, congregationKey(id), func(ctx context.Context) (*Congregation, error) {
		return s.client.GetCongregation(ctx, id)
	})
}

// Establishment returns an establishment, cached when unreachable.
func (s *Service) Establishment(ctx context.Context, id string) (*Establishment, error) {
	return s.establishments.Get(ctx, establishmentKey(id), func(ctx context.Context) (*Establishment, error) {
		return s.client.GetEstablishment(ctx, id)
	})
}

// SaveEstablishment writes an establishment, queueing it when unreachable.
// A record without an ID is assigned one here so the offline path and the
// eventual replay agree on identity.
func (s *Service) SaveEstablishment(ctx context.Context, e *Establishment) (*accessor.Result[Establishment], error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.UpdatedAt = s.now().UTC()
	return s.establishmentWriter.Upsert(ctx, establishmentKey(e.ID), e, func(ctx context.Context) (*Establishment, error) {
		return s.client.UpsertEstablishment(ctx, e)
	})
}

// Householder returns a householder, cached when unreachable.
func (s *Service) Householder(ctx context.Context, id string) (*Householder, error) {
	return s.householders.Get(ctx, householderKey(id), func(ctx context.Context) (*Householder, error) {
		return s.client.GetHouseholder(ctx, id)
	})
}

// SaveHouseholder writes a householder, queueing it when unreachable.
func (s *Service) SaveHouseholder(ctx context.Context, h *Householder) (*accessor.Result[Householder], error) {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	return s.householderWriter.Upsert(ctx, householderKey(h.ID), h, func(ctx context.Context) (*Householder, error) {
		return s.client.UpsertHouseholder(ctx, h)
	})
}

// Visit returns a visit record, cached when unreachable.
func (s *Service) Visit(ctx context.Context, id string) (*Visit, error) {
	return s.visits.Get(ctx, visitKey(id), func(ctx context.Context) (*Visit, error) {
		return s.client.GetVisit(ctx, id)
	})
}

// SaveVisit records a visit, queueing it when unreachable. VisitedAt
// defaults to now so a visit logged offline keeps the time it happened, not
// the time it synced.
func (s *Service) SaveVisit(ctx context.Context, v *Visit) (*accessor.Result[Visit], error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.VisitedAt.IsZero() {
		v.VisitedAt = s.now().UTC()
	}
	return s.visitWriter.Upsert(ctx, visitKey(v.ID), v, func(ctx context.Context) (*Visit, error) {
		return s.client.UpsertVisit(ctx, v)
	})
}
