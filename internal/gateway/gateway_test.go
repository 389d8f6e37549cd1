package gateway_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsdeck/internal/config"
	"opsdeck/internal/domain"
	"opsdeck/internal/gateway"
	"opsdeck/internal/gateway/gatewaytest"
	"opsdeck/internal/memstore"
	"opsdeck/internal/metrics"
)

func TestInstrumentedContract(t *testing.T) {
	gatewaytest.Run(t, func(t *testing.T, now func() time.Time) gateway.Gateway {
		s := memstore.New(config.Default().DefaultStatus)
		s.Now = now
		return gateway.Instrument(s, "memory", zerolog.Nop(), nil)
	})
}

type failing struct {
	gateway.Gateway
	err error
}

func (f failing) List(context.Context, gateway.Scope) ([]domain.Record, error) {
	return nil, f.err
}

func TestInstrumentTagsErrors(t *testing.T) {
	boom := errors.New("connection refused")
	gw := gateway.Instrument(failing{err: boom}, "pocketbase", zerolog.Nop(), nil)

	_, err := gw.List(context.Background(), gateway.Scope{OwnerID: "u1"})
	var tagged *gateway.Error
	require.ErrorAs(t, err, &tagged)
	assert.Equal(t, "list", tagged.Op)
	assert.Equal(t, "pocketbase", tagged.Backend)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "pocketbase list: connection refused", err.Error())

	// already tagged errors pass through unchanged
	inner := &gateway.Error{Op: "list", Backend: "http", Err: gateway.ErrNotFound}
	gw = gateway.Instrument(failing{err: inner}, "memory", zerolog.Nop(), nil)
	_, err = gw.List(context.Background(), gateway.Scope{})
	assert.Same(t, inner, err)
	assert.True(t, gateway.IsNotFound(err))
}

func TestInstrumentRecordsMetricsAndLogs(t *testing.T) {
	m := metrics.New()
	var logs bytes.Buffer
	logger := zerolog.New(&logs).Level(zerolog.DebugLevel)
	gw := gateway.Instrument(memstore.New(nil), "memory", logger, m)
	ctx := context.Background()

	rec, err := gw.Create(ctx, domain.Record{Kind: "issue", OwnerID: "u1", Name: "x"})
	require.NoError(t, err)
	stale := 9
	name := "y"
	_, err = gw.Update(ctx, rec.ID, domain.Patch{Name: &name, ExpectedVersion: &stale})
	assert.True(t, gateway.IsConflict(err))
	assert.ErrorIs(t, gw.SoftDelete(ctx, "missing"), gateway.ErrNotFound)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	res, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `opsdeck_gateway_calls_total{backend="memory",op="create",result="ok"} 1`)
	assert.Contains(t, string(body), `opsdeck_gateway_calls_total{backend="memory",op="update",result="conflict"} 1`)
	assert.Contains(t, string(body), `opsdeck_gateway_calls_total{backend="memory",op="delete",result="not_found"} 1`)

	out := logs.String()
	assert.Contains(t, out, `"component":"gateway"`)
	assert.Contains(t, out, `"message":"gateway call failed"`)
}

func TestCheckVersion(t *testing.T) {
	assert.NoError(t, gateway.CheckVersion(domain.Patch{}, 3))
	v := 3
	assert.NoError(t, gateway.CheckVersion(domain.Patch{ExpectedVersion: &v}, 3))
	err := gateway.CheckVersion(domain.Patch{ExpectedVersion: &v}, 4)
	assert.ErrorIs(t, err, gateway.ErrConflict)
	assert.Contains(t, err.Error(), "expected version 3, stored version 4")
}

func TestPrepare(t *testing.T) {
	deleted := "2024-01-01T00:00:00.000000Z"
	in := domain.Record{Kind: "asset", Version: 7, DeletedAt: &deleted, Metrics: map[string]float64{"uptime": 1}}
	out := gateway.Prepare(in, "id-1", "2024-02-01T00:00:00.000000Z", config.Default().DefaultStatus)
	assert.Equal(t, "id-1", out.ID)
	assert.Equal(t, "operational", out.Status)
	assert.Equal(t, 1, out.Version)
	assert.Equal(t, out.CreatedAt, out.UpdatedAt)
	assert.Nil(t, out.DeletedAt)

	out.Metrics["uptime"] = 2
	assert.Equal(t, 1.0, in.Metrics["uptime"])

	keep := gateway.Prepare(domain.Record{ID: "mine", Kind: "other"}, "id-2", "t", nil)
	assert.Equal(t, "mine", keep.ID)
	assert.Equal(t, domain.DefaultStatus, keep.Status)
}
