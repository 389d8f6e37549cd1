package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsdeck/internal/config"
	"opsdeck/internal/dashboard"
	"opsdeck/internal/domain"
	"opsdeck/internal/events"
	"opsdeck/internal/export"
	"opsdeck/internal/view"
)

func run(t *testing.T, ws, stdin string, args ...string) (string, string, error) {
	t.Helper()
	viper.Reset()
	initConfig()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--workspace", ws, "--log-level", "error", "--owner", "tech-1"}, args...))
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func TestRecordLifecycle(t *testing.T) {
	ws := t.TempDir()

	out, _, err := run(t, ws, "", "record", "create", "--json",
		"--kind", "work_order", "--name", "Pump check", "--code", "WO-1",
		"--priority", "HIGH", "--category", "inspection",
		"--metric", "estimated_hours=2.5", "--flag", "overdue", "--attr", "asset=pump-7")
	require.NoError(t, err)
	var created domain.Record
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, "scheduled", created.Status)
	assert.Equal(t, domain.PriorityHigh, created.Priority)
	assert.Equal(t, "tech-1", created.OwnerID)
	assert.Equal(t, 1, created.Version)
	want := domain.Record{
		Metrics:    map[string]float64{"estimated_hours": 2.5},
		Flags:      map[string]bool{"overdue": true},
		Attributes: map[string]string{"asset": "pump-7"},
	}
	got := domain.Record{Metrics: created.Metrics, Flags: created.Flags, Attributes: created.Attributes}
	assert.Empty(t, cmp.Diff(want, got))

	out, _, err = run(t, ws, "", "record", "update", created.ID, "--json",
		"--kind", "work_order", "--status", "completed", "--expected-version", "1")
	require.NoError(t, err)
	var updated domain.Record
	require.NoError(t, json.Unmarshal([]byte(out), &updated))
	assert.Equal(t, "completed", updated.Status)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "Pump check", updated.Name)

	_, _, err = run(t, ws, "", "record", "update", created.ID,
		"--kind", "work_order", "--name", "stale", "--expected-version", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflict")

	out, _, err = run(t, ws, "", "record", "list", "--json", "--kind", "work_order", "-q", "wo-1")
	require.NoError(t, err)
	var listed []domain.Record
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, created.ID, listed[0].ID)

	out, _, err = run(t, ws, "", "view", "--json", "--kind", "work_order")
	require.NoError(t, err)
	var shown struct {
		Dashboard string                   `json:"dashboard"`
		Tabs      []dashboard.Tab          `json:"tabs"`
		View      view.View[domain.Record] `json:"view"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, "maintenance", shown.Dashboard)
	require.Len(t, shown.Tabs, 2)
	assert.Equal(t, 1, shown.Tabs[0].Count)
	card, ok := shown.View.Summary.Card("rate:completion_rate")
	require.True(t, ok)
	assert.Equal(t, "100.0%", card.Value)

	out, _, err = run(t, ws, "", "view", "--kind", "work_order")
	require.NoError(t, err)
	assert.Contains(t, out, "Maintenance Management (maintenance)")
	assert.Contains(t, out, "Pump check")

	// declining the prompt keeps the record
	_, stderr, err := run(t, ws, "n\n", "record", "delete", created.ID, "--kind", "work_order")
	require.NoError(t, err)
	assert.Contains(t, stderr, "aborted")

	_, stderr, err = run(t, ws, "y\n", "record", "delete", created.ID, "--kind", "work_order")
	require.NoError(t, err)
	assert.Contains(t, stderr, "deleted")

	out, _, err = run(t, ws, "", "record", "list", "--json", "--kind", "work_order")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	out, _, err = run(t, ws, "", "log", "tail", "--json")
	require.NoError(t, err)
	var evts []domain.Event
	require.NoError(t, json.Unmarshal([]byte(out), &evts))
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{events.RecordDeleted, events.RecordUpdated, events.RecordCreated}, types)

	out, _, err = run(t, ws, "", "log", "tail", "--json", "--owner", "someone-else")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestRecordCreateValidation(t *testing.T) {
	ws := t.TempDir()

	_, stderr, err := run(t, ws, "", "record", "create", "--kind", "asset", "--name", "Chiller")
	var verr *dashboard.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "code", verr.Field)
	assert.Contains(t, stderr, "error: Cannot create")

	_, _, err = run(t, ws, "", "record", "create", "--kind", "asset", "--name", "Chiller", "--code", "CH-1", "--status", "melted")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "status", verr.Field)

	_, _, err = run(t, ws, "", "record", "create", "--kind", "nope", "--name", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no dashboard has a "nope" tab`)

	_, _, err = run(t, ws, "", "record", "create", "--kind", "asset", "--metric", "uptime=lots")
	require.Error(t, err)

	_, _, err = run(t, ws, "", "record", "update", "some-id", "--kind", "asset")
	require.EqualError(t, err, "nothing to update")
}

func TestExportCommand(t *testing.T) {
	ws := t.TempDir()
	for _, name := range []string{"Chiller", "Boiler"} {
		_, _, err := run(t, ws, "", "record", "create", "--kind", "asset", "--name", name,
			"--code", strings.ToUpper(name[:2]), "--metric", "uptime=120")
		require.NoError(t, err)
	}

	out, _, err := run(t, ws, "", "export", "--kind", "asset", "-q", "chill")
	require.NoError(t, err)
	rows, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	e, _ := config.Default().Entity("asset")
	assert.Equal(t, export.Header(e), rows[0])
	assert.Equal(t, "Chiller", rows[1][2])
	assert.Contains(t, rows[1], "100.00", "percent metrics are clamped")

	path := filepath.Join(ws, "assets.json")
	_, stderr, err := run(t, ws, "", "export", "--kind", "asset", "--format", "json", "--out", path)
	require.NoError(t, err)
	assert.Contains(t, stderr, "wrote 2 asset record(s)")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var report struct {
		Kind    string          `json:"kind"`
		Records []domain.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, "asset", report.Kind)
	assert.Len(t, report.Records, 2)

	out, _, err = run(t, ws, "", "export", "--kind", "asset", "--stats")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "label,value\nTotal,2\n"), out)

	_, _, err = run(t, ws, "", "export", "--kind", "asset", "--format", "xlsx")
	require.EqualError(t, err, `unsupported export format "xlsx"`)
}

func TestConfigCommands(t *testing.T) {
	ws := t.TempDir()

	out, _, err := run(t, ws, "", "config", "validate")
	require.NoError(t, err)
	assert.Equal(t, "config OK\n", out)

	_, _, err = run(t, ws, "", "config", "init")
	require.NoError(t, err)
	data, err := os.ReadFile(config.Path(ws))
	require.NoError(t, err)
	assert.Equal(t, config.GenerateDefault(), string(data))

	_, _, err = run(t, ws, "", "config", "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
	_, _, err = run(t, ws, "", "config", "init", "--force")
	require.NoError(t, err)

	out, _, err = run(t, ws, "", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "work_order")
	assert.Contains(t, out, "Integrations & Automation Hub")

	require.NoError(t, os.WriteFile(config.Path(ws), []byte("store: {backend: carrier-pigeon}\n"), 0o644))
	out, _, err = run(t, ws, "", "config", "validate", "--json")
	require.NoError(t, err)
	var res struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "store.backend must be one of")
}

func TestLogTailNeedsSQLite(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(ws), []byte(strings.Replace(config.GenerateDefault(), "backend: sqlite", "backend: memory", 1)), 0o644))
	_, _, err := run(t, ws, "", "log", "tail")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store is memory")
}

func TestTokenSave(t *testing.T) {
	ws := t.TempDir()
	t.Setenv(envJWTSecret, "")
	_, _, err := run(t, ws, "", "token")
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(ws, ".env"), []byte("# local secrets\nOPSDECK_JWT_SECRET=from-dotenv\n"), 0o600))
	out, _, err := run(t, ws, "", "token", "--save")
	require.NoError(t, err)
	token := strings.TrimSpace(out)
	assert.Equal(t, 2, strings.Count(token, "."))

	data, err := os.ReadFile(filepath.Join(ws, ".env"))
	require.NoError(t, err)
	assert.Equal(t, "# local secrets\nOPSDECK_JWT_SECRET=from-dotenv\nOPSDECK_API_TOKEN="+token+"\n", string(data))
}

func TestParseKeyValues(t *testing.T) {
	m, err := parseMetrics([]string{"cost=12.5", " hours = 3 "})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"cost": 12.5, "hours": 3}, m)
	_, err = parseMetrics([]string{"cost"})
	assert.Error(t, err)

	f, err := parseFlags([]string{"overdue", "enabled=false"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"overdue": true, "enabled": false}, f)
	_, err = parseFlags([]string{"=true"})
	assert.Error(t, err)
	_, err = parseFlags([]string{"x=maybe"})
	assert.Error(t, err)

	a, err := parseAttributes([]string{"url=https://example.com/a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"url": "https://example.com/a=b"}, a)

	none, err := parseAttributes(nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSetEnvValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, setEnvValue(path, "A", "1"))
	require.NoError(t, setEnvValue(path, "B", "2"))
	require.NoError(t, setEnvValue(path, "A", "3"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "A=3\nB=2\n", string(data))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn", "json")
	require.NoError(t, err)
	logger.Info().Msg("hidden")
	logger.Warn().Str("kind", "asset").Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"kind":"asset"`)

	_, err = newLogger(&buf, "loud", "json")
	assert.Error(t, err)
	_, err = newLogger(&buf, "info", "xml")
	assert.Error(t, err)
}

func TestDashboardFor(t *testing.T) {
	cfg := config.Default()
	name, err := dashboardFor(cfg, "", "issue")
	require.NoError(t, err)
	assert.Equal(t, "projects", name)

	name, err = dashboardFor(cfg, "", "")
	require.NoError(t, err)
	assert.Equal(t, "integrations", name)

	name, err = dashboardFor(cfg, "maintenance", "issue")
	require.NoError(t, err)
	assert.Equal(t, "maintenance", name, "an explicit dashboard wins")

	_, err = dashboardFor(cfg, "", "ghost")
	assert.Error(t, err)
}
