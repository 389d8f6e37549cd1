package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"opsdeck/internal/app"
	"opsdeck/internal/config"
	"opsdeck/internal/dashboard"
	"opsdeck/internal/metrics"
)

const envPrefix = "OPSDECK"

func main() {
	cobra.OnInitialize(initConfig)
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "od",
		Short: "opsdeck CLI",
		Long: `opsdeck renders configurable operational dashboards over a record store.
- Dashboard: a titled set of tabs, one per entity kind (integrations, maintenance, projects).
- Entity: a record kind with its statuses, categories, flags and the metrics a tab sums, averages and rates.
- Record: one row of a kind, owned by the --owner scope; updates bump its version, deletes are soft.
- Store: sqlite in the workspace (default), pocketbase, a remote opsdeck API (http) or memory.
- Event log: every sqlite write is audited; view it with 'od log tail', stream it to webhooks with 'od serve'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadDotEnv(viper.GetString("workspace"))
		},
	}
	addPersistentFlags(root)
	registerCommands(root)
	return root
}

func initConfig() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags(root *cobra.Command) {
	flags := root.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (defaults to <workspace>/opsdeck.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("owner", "local", "owner scope for records")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console or json)")
	for _, name := range []string{"workspace", "config", "json", "owner", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands(root *cobra.Command) {
	root.AddCommand(configCmd())
	root.AddCommand(recordCmd())
	root.AddCommand(viewCmd())
	root.AddCommand(exportCmd())
	root.AddCommand(logCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(serveCmd())
}

// --- helpers ---

func newLogger(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid --log-level %q", level)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	switch format {
	case "json":
	case "", "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	default:
		return zerolog.Nop(), fmt.Errorf("invalid --log-format %q (want console or json)", format)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

func cliLogger(cmd *cobra.Command) (zerolog.Logger, error) {
	return newLogger(cmd.ErrOrStderr(), viper.GetString("log-level"), viper.GetString("log-format"))
}

// loadDotEnv reads <workspace>/.env into viper so secrets saved by 'od token
// --save' are found without exporting them.
func loadDotEnv(workspace string) error {
	if workspace == "" {
		workspace = "."
	}
	viper.SetConfigFile(filepath.Join(workspace, ".env"))
	viper.SetConfigType("env")
	if err := viper.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read .env: %w", err)
	}
	return nil
}

// lookupEnv prefers the process environment over the workspace .env file.
func lookupEnv(key string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(viper.GetString(strings.ToLower(key)))
}

func loadConfig() (*config.Config, error) {
	return app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
}

type session struct {
	cfg   *config.Config
	store *app.Store
	log   zerolog.Logger
}

func openSession(ctx context.Context, cmd *cobra.Command, m *metrics.Metrics) (*session, error) {
	logger, err := cliLogger(cmd)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	st, err := app.Open(ctx, cfg, app.Options{
		Workspace: viper.GetString("workspace"),
		Owner:     viper.GetString("owner"),
		Logger:    logger,
		Metrics:   m,
		Getenv:    lookupEnv,
	})
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, store: st, log: logger}, nil
}

func withSession(cmd *cobra.Command, fn func(context.Context, *session) error) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, cmd, nil)
	if err != nil {
		return err
	}
	defer s.store.Close()
	return fn(ctx, s)
}

// dashboardFor picks the named dashboard, or the first one in name order that
// has a tab for kind.
func dashboardFor(cfg *config.Config, name, kind string) (string, error) {
	if name != "" {
		return name, nil
	}
	for _, n := range cfg.DashboardNames() {
		if kind == "" {
			return n, nil
		}
		for _, k := range cfg.Dashboards[n].Entities {
			if k == kind {
				return n, nil
			}
		}
	}
	if kind == "" {
		return "", errors.New("no dashboards configured")
	}
	return "", fmt.Errorf("no dashboard has a %q tab", kind)
}

// withShell opens the dashboard holding kind with kind as the active tab. An
// empty kind keeps the dashboard's first tab. Only the active tab is loaded
// unless all is set.
func withShell(cmd *cobra.Command, name, kind string, all bool, fn func(context.Context, *dashboard.Shell) error) error {
	return withSession(cmd, func(ctx context.Context, s *session) error {
		dash, err := dashboardFor(s.cfg, name, kind)
		if err != nil {
			return err
		}
		sh, err := dashboard.New(s.cfg, dash, s.store.Gateway, dashboard.Options{
			Owner:  viper.GetString("owner"),
			Logger: s.log,
		})
		if err != nil {
			return err
		}
		if kind != "" {
			if err := sh.SelectTab(kind); err != nil {
				return err
			}
		}
		if all {
			err = sh.Refresh(ctx)
		} else {
			err = sh.RefreshTab(ctx, sh.ActiveTab())
		}
		if err != nil {
			return err
		}
		return fn(ctx, sh)
	})
}

func printJSONOrTable(w io.Writer, v any, render func(table.Writer)) error {
	if viper.GetBool("json") {
		return printJSON(w, v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	render(tw)
	tw.Render()
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printNotes echoes the shell's notifications to stderr.
func printNotes(cmd *cobra.Command, sh *dashboard.Shell) {
	for _, n := range sh.Notifications() {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", n.Level, n.Message)
	}
	sh.DismissNotifications()
}

func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N] ", prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func splitPair(s string) (string, string, bool) {
	k, v, ok := strings.Cut(s, "=")
	k = strings.TrimSpace(k)
	if k == "" {
		return "", "", false
	}
	return k, strings.TrimSpace(v), ok
}

func parseMetrics(items []string) (map[string]float64, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(items))
	for _, it := range items {
		k, v, ok := splitPair(it)
		if !ok {
			return nil, fmt.Errorf("invalid --metric %q (want name=number)", it)
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --metric %q: %w", it, err)
		}
		out[k] = f
	}
	return out, nil
}

// parseFlags accepts name=bool pairs; a bare name means true.
func parseFlags(items []string) (map[string]bool, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make(map[string]bool, len(items))
	for _, it := range items {
		k, v, ok := splitPair(it)
		if k == "" {
			return nil, fmt.Errorf("invalid --flag %q", it)
		}
		if !ok {
			out[k] = true
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid --flag %q: %w", it, err)
		}
		out[k] = b
	}
	return out, nil
}

func parseAttributes(items []string) (map[string]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(items))
	for _, it := range items {
		k, v, ok := splitPair(it)
		if !ok {
			return nil, fmt.Errorf("invalid --attr %q (want name=value)", it)
		}
		out[k] = v
	}
	return out, nil
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o600)
}
