package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"opsdeck/internal/domain"
	"opsdeck/internal/metrics"
)

type instrumented struct {
	next    Gateway
	backend string
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// Instrument wraps gw with logging and metrics. Failures come back as *Error.
// m may be nil.
func Instrument(gw Gateway, backend string, logger zerolog.Logger, m *metrics.Metrics) Gateway {
	return &instrumented{
		next:    gw,
		backend: backend,
		log:     logger.With().Str("component", "gateway").Str("backend", backend).Logger(),
		metrics: m,
	}
}

func (g *instrumented) Create(ctx context.Context, rec domain.Record) (domain.Record, error) {
	start := time.Now()
	out, err := g.next.Create(ctx, rec)
	err = g.observe("create", out.ID, start, err)
	return out, err
}

func (g *instrumented) Update(ctx context.Context, id string, patch domain.Patch) (domain.Record, error) {
	start := time.Now()
	out, err := g.next.Update(ctx, id, patch)
	err = g.observe("update", id, start, err)
	return out, err
}

func (g *instrumented) SoftDelete(ctx context.Context, id string) error {
	start := time.Now()
	err := g.next.SoftDelete(ctx, id)
	return g.observe("delete", id, start, err)
}

func (g *instrumented) List(ctx context.Context, scope Scope) ([]domain.Record, error) {
	start := time.Now()
	out, err := g.next.List(ctx, scope)
	err = g.observe("list", "", start, err)
	if err == nil {
		g.log.Debug().Str("owner", scope.OwnerID).Str("kind", scope.Kind).Int("count", len(out)).Msg("listed records")
	}
	return out, err
}

func (g *instrumented) observe(op, id string, start time.Time, err error) error {
	elapsed := time.Since(start)
	result := resultLabel(err)
	g.metrics.RecordGatewayCall(op, g.backend, result, elapsed.Seconds())
	if err == nil {
		g.log.Debug().Str("op", op).Str("id", id).Dur("elapsed", elapsed).Msg("gateway call")
		return nil
	}
	ev := g.log.Warn()
	if result == "error" {
		ev = g.log.Error()
	}
	ev.Err(err).Str("op", op).Str("id", id).Dur("elapsed", elapsed).Msg("gateway call failed")

	var tagged *Error
	if errors.As(err, &tagged) {
		return err
	}
	return &Error{Op: op, Backend: g.backend, ID: id, Err: err}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
