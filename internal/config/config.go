package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models opsdeck.yml.
type Config struct {
	Store struct {
		Backend    string           `yaml:"backend" json:"backend"`
		PocketBase PocketBaseConfig `yaml:"pocketbase" json:"pocketbase"`
		HTTP       HTTPStoreConfig  `yaml:"http" json:"http"`
	} `yaml:"store" json:"store"`
	Dashboards map[string]Dashboard `yaml:"dashboards" json:"dashboards"`
	Entities   map[string]Entity    `yaml:"entities" json:"entities"`
	Webhooks   []WebhookConfig      `yaml:"webhooks" json:"webhooks,omitempty"`
}

type PocketBaseConfig struct {
	BaseURL        string `yaml:"base_url" json:"base_url,omitempty"`
	AuthCollection string `yaml:"auth_collection" json:"auth_collection,omitempty"`
	Identity       string `yaml:"identity" json:"identity,omitempty"`
	Password       string `yaml:"password" json:"-"`
	Collection     string `yaml:"collection" json:"collection,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

type HTTPStoreConfig struct {
	BaseURL string `yaml:"base_url" json:"base_url,omitempty"`
	Token   string `yaml:"token" json:"-"`
}

type Dashboard struct {
	Title    string   `yaml:"title" json:"title"`
	Entities []string `yaml:"entities" json:"entities"`
}

// Entity describes one record kind: its status enumeration and which fields
// the dashboards search, group, sum, average and rate.
type Entity struct {
	Kind          string   `yaml:"-" json:"kind"`
	Label         string   `yaml:"label" json:"label,omitempty"`
	Statuses      []string `yaml:"statuses" json:"statuses"`
	DefaultStatus string   `yaml:"default_status" json:"default_status,omitempty"`
	Categories    []string `yaml:"categories" json:"categories,omitempty"`
	Search        []string `yaml:"search" json:"search,omitempty"`
	Flags         []string `yaml:"flags" json:"flags,omitempty"`
	Sums          []string `yaml:"sums" json:"sums,omitempty"`
	Averages      []string `yaml:"averages" json:"averages,omitempty"`
	Percent       []string `yaml:"percent" json:"percent,omitempty"`
	Rates         []Rate   `yaml:"rates" json:"rates,omitempty"`
	Required      []string `yaml:"required" json:"required,omitempty"`
}

// Rate is numerator/denominator*100. An empty denominator means the record count.
type Rate struct {
	Name        string `yaml:"name" json:"name"`
	Label       string `yaml:"label" json:"label,omitempty"`
	Numerator   Term   `yaml:"numerator" json:"numerator"`
	Denominator Term   `yaml:"denominator" json:"denominator"`
}

// Term selects what a rate counts: a metric sum, records in some statuses, or
// records with a flag set. At most one may be set.
type Term struct {
	Metric   string   `yaml:"metric,omitempty" json:"metric,omitempty"`
	Statuses []string `yaml:"statuses,omitempty" json:"statuses,omitempty"`
	Flag     string   `yaml:"flag,omitempty" json:"flag,omitempty"`
}

func (t Term) IsZero() bool {
	return t.Metric == "" && len(t.Statuses) == 0 && t.Flag == ""
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

var backends = map[string]bool{"sqlite": true, "pocketbase": true, "memory": true, "http": true}

var defaultSearch = []string{"name", "code", "description"}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with od config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault falls back to the built-in dashboards when no file exists.
func LoadOrDefault(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Store.Backend == "" {
		c.Store.Backend = "sqlite"
	}
	if !backends[c.Store.Backend] {
		return fmt.Errorf("config.store.backend must be one of sqlite, pocketbase, memory, http")
	}
	if c.Store.Backend == "pocketbase" && c.Store.PocketBase.BaseURL == "" {
		return fmt.Errorf("config.store.pocketbase.base_url is required for the pocketbase backend")
	}
	if c.Store.Backend == "http" && c.Store.HTTP.BaseURL == "" {
		return fmt.Errorf("config.store.http.base_url is required for the http backend")
	}
	if len(c.Entities) == 0 {
		return fmt.Errorf("config.entities is required")
	}
	for kind, e := range c.Entities {
		if kind == "" {
			return fmt.Errorf("config.entities contains empty kind")
		}
		if err := e.validate(kind); err != nil {
			return err
		}
	}
	for name, d := range c.Dashboards {
		if name == "" {
			return fmt.Errorf("config.dashboards contains empty name")
		}
		if len(d.Entities) == 0 {
			return fmt.Errorf("dashboard %s has no entities", name)
		}
		for _, kind := range d.Entities {
			if _, ok := c.Entities[kind]; !ok {
				return fmt.Errorf("dashboard %s references unknown entity %s", name, kind)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

func (e Entity) validate(kind string) error {
	if len(e.Statuses) == 0 {
		return fmt.Errorf("entity %s has no statuses", kind)
	}
	seen := map[string]bool{}
	for _, s := range e.Statuses {
		if s == "" {
			return fmt.Errorf("entity %s has empty status", kind)
		}
		if s == "all" {
			return fmt.Errorf("entity %s uses reserved status all", kind)
		}
		if seen[s] {
			return fmt.Errorf("entity %s has duplicate status %s", kind, s)
		}
		seen[s] = true
	}
	if e.DefaultStatus != "" && !seen[e.DefaultStatus] {
		return fmt.Errorf("entity %s default status %s is not a declared status", kind, e.DefaultStatus)
	}
	for _, field := range e.Search {
		if !validSearchField(field) {
			return fmt.Errorf("entity %s has invalid search field %q", kind, field)
		}
	}
	for _, field := range e.Required {
		if !validRequiredField(field) {
			return fmt.Errorf("entity %s has invalid required field %q", kind, field)
		}
	}
	for _, group := range [][]string{e.Flags, e.Sums, e.Averages, e.Percent} {
		for _, name := range group {
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("entity %s has empty field name", kind)
			}
		}
	}
	rates := map[string]bool{}
	for _, r := range e.Rates {
		if r.Name == "" {
			return fmt.Errorf("entity %s has rate with empty name", kind)
		}
		if rates[r.Name] {
			return fmt.Errorf("entity %s has duplicate rate %s", kind, r.Name)
		}
		rates[r.Name] = true
		if r.Numerator.IsZero() {
			return fmt.Errorf("rate %s of entity %s has empty numerator", r.Name, kind)
		}
		for _, t := range []Term{r.Numerator, r.Denominator} {
			if err := t.validate(seen); err != nil {
				return fmt.Errorf("rate %s of entity %s: %w", r.Name, kind, err)
			}
		}
	}
	return nil
}

func (t Term) validate(statuses map[string]bool) error {
	set := 0
	if t.Metric != "" {
		set++
	}
	if len(t.Statuses) > 0 {
		set++
	}
	if t.Flag != "" {
		set++
	}
	if set > 1 {
		return fmt.Errorf("term must set only one of metric, statuses, flag")
	}
	for _, s := range t.Statuses {
		if !statuses[s] {
			return fmt.Errorf("unknown status %s", s)
		}
	}
	return nil
}

func validSearchField(f string) bool {
	switch f {
	case "name", "code", "description", "category", "status", "priority":
		return true
	}
	return strings.HasPrefix(f, "attr:") && len(f) > len("attr:")
}

func validRequiredField(f string) bool {
	switch f {
	case "name", "code", "description", "category", "priority":
		return true
	}
	for _, prefix := range []string{"attr:", "metric:"} {
		if strings.HasPrefix(f, prefix) && len(f) > len(prefix) {
			return true
		}
	}
	return false
}

// Entity returns the definition for kind with Kind and defaults filled in.
func (c *Config) Entity(kind string) (Entity, bool) {
	e, ok := c.Entities[kind]
	if !ok {
		return Entity{}, false
	}
	e.Kind = kind
	if len(e.Search) == 0 {
		e.Search = defaultSearch
	}
	return e, true
}

// DefaultStatus is the status a new record of kind starts in.
func (c *Config) DefaultStatus(kind string) string {
	if c == nil {
		return ""
	}
	if e, ok := c.Entities[kind]; ok {
		if e.DefaultStatus != "" {
			return e.DefaultStatus
		}
		if len(e.Statuses) > 0 {
			return e.Statuses[0]
		}
	}
	return ""
}

// DashboardNames returns dashboard names in sorted order.
func (c *Config) DashboardNames() []string {
	names := make([]string, 0, len(c.Dashboards))
	for name := range c.Dashboards {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EntityKinds returns entity kinds in sorted order.
func (c *Config) EntityKinds() []string {
	kinds := make([]string, 0, len(c.Entities))
	for kind := range c.Entities {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

func (e Entity) HasStatus(s string) bool {
	for _, st := range e.Statuses {
		if st == s {
			return true
		}
	}
	return false
}

func (e Entity) HasCategory(s string) bool {
	if len(e.Categories) == 0 {
		return true
	}
	for _, c := range e.Categories {
		if c == s {
			return true
		}
	}
	return false
}

func (e Entity) IsPercent(metric string) bool {
	for _, p := range e.Percent {
		if p == metric {
			return true
		}
	}
	return false
}

// MetricColumns lists every metric the entity aggregates, first mention wins.
func (e Entity) MetricColumns() []string {
	var cols []string
	seen := map[string]bool{}
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		cols = append(cols, name)
	}
	for _, group := range [][]string{e.Sums, e.Averages, e.Percent} {
		for _, name := range group {
			add(name)
		}
	}
	for _, r := range e.Rates {
		add(r.Numerator.Metric)
		add(r.Denominator.Metric)
	}
	return cols
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "opsdeck.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in dashboards.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	_ = cfg.Validate()
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `store:
  backend: sqlite

dashboards:
  integrations:
    title: "Integrations & Automation Hub"
    entities: [integration, webhook]
  maintenance:
    title: "Maintenance Management"
    entities: [work_order, asset]
  projects:
    title: "Projects & Issues"
    entities: [project, issue]

entities:
  integration:
    label: Integrations
    statuses: [connected, disconnected, error, pending]
    default_status: pending
    categories: [crm, communication, payments, storage, analytics]
    search: [name, description, category, "attr:provider"]
    flags: [connected]
    sums: [sync_count, error_count]
    averages: [uptime]
    percent: [uptime]
    rates:
      - name: error_rate
        label: Error rate
        numerator: {metric: error_count}
        denominator: {metric: sync_count}
      - name: connected_share
        label: Connected
        numerator: {flag: connected}
    required: [name, category]

  webhook:
    label: Webhooks
    statuses: [active, paused, failing]
    default_status: active
    search: [name, "attr:url", "attr:event"]
    flags: [enabled]
    sums: [total_deliveries, successful_deliveries]
    rates:
      - name: success_rate
        label: Delivery success
        numerator: {metric: successful_deliveries}
        denominator: {metric: total_deliveries}
    required: [name, "attr:url"]

  work_order:
    label: Work orders
    statuses: [scheduled, in_progress, on_hold, completed, cancelled]
    default_status: scheduled
    categories: [preventive, corrective, inspection, emergency]
    search: [name, code, description, "attr:assignee", "attr:asset"]
    flags: [overdue]
    sums: [estimated_hours, actual_hours, cost, downtime_minutes]
    averages: [actual_hours]
    rates:
      - name: completion_rate
        label: Completed
        numerator: {statuses: [completed]}
    required: [name]

  asset:
    label: Assets
    statuses: [operational, maintenance, down, retired]
    default_status: operational
    search: [name, code, "attr:location"]
    sums: [downtime_minutes]
    averages: [health_score, uptime]
    percent: [health_score, uptime]
    rates:
      - name: availability
        label: Operational
        numerator: {statuses: [operational]}
    required: [name, code]

  project:
    label: Projects
    statuses: [planning, active, on_hold, completed, cancelled]
    default_status: planning
    search: [name, code, description, "attr:manager"]
    sums: [budget, spent]
    averages: [progress]
    percent: [progress]
    rates:
      - name: budget_utilization
        label: Budget used
        numerator: {metric: spent}
        denominator: {metric: budget}
      - name: completion_rate
        label: Completed
        numerator: {statuses: [completed]}
    required: [name, code]

  issue:
    label: Issues
    statuses: [open, in_progress, resolved, closed]
    default_status: open
    categories: [bug, feature, task, improvement]
    search: [name, code, description, "attr:assignee"]
    flags: [blocked]
    sums: [story_points]
    rates:
      - name: resolution_rate
        label: Resolved
        numerator: {statuses: [resolved, closed]}
    required: [name]
`
