// Package config loads the process configuration from TOML or YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"quill/internal/agent"
	"quill/internal/llm"
	"quill/internal/mcphost"
	"quill/internal/router"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel    string                        `toml:"log_level" yaml:"log_level"`
	DefaultRole string                        `toml:"default_role" yaml:"default_role"`
	Providers   map[string]llm.ProviderConfig `toml:"providers" yaml:"providers"`
	Routes      map[string]RouteConfig        `toml:"routes" yaml:"routes"`
	Agents      map[string]AgentConfig        `toml:"agents" yaml:"agents"`
	Approval    ApprovalConfig                `toml:"approval" yaml:"approval"`
	Retry       RetryConfig                   `toml:"retry" yaml:"retry"`
	Loop        LoopConfig                    `toml:"loop" yaml:"loop"`
	Workspace   WorkspaceConfig               `toml:"workspace" yaml:"workspace"`
	Gateway     GatewayConfig                 `toml:"gateway" yaml:"gateway"`
	DB          DBConfig                      `toml:"db" yaml:"db"`
	Tracing     TracingConfig                 `toml:"tracing" yaml:"tracing"`
	Metrics     MetricsConfig                 `toml:"metrics" yaml:"metrics"`
	Services    ServicesConfig                `toml:"services" yaml:"services"`
	MCP         MCPConfig                     `toml:"mcp" yaml:"mcp"`
	Compaction  CompactionConfig              `toml:"compaction" yaml:"compaction"`
}

type RouteConfig struct {
	Provider    string   `toml:"provider" yaml:"provider"`
	Model       string   `toml:"model" yaml:"model"`
	Temperature *float64 `toml:"temperature" yaml:"temperature"`
	MaxTokens   int      `toml:"max_tokens" yaml:"max_tokens"`
}

type AgentConfig struct {
	SystemPrompt  string   `toml:"system_prompt" yaml:"system_prompt"`
	Tools         []string `toml:"tools" yaml:"tools"`
	MaxIterations int      `toml:"max_iterations" yaml:"max_iterations"`
}

type ApprovalConfig struct {
	Mode      string   `toml:"mode" yaml:"mode"`
	AllowList []string `toml:"allow" yaml:"allow"`
}

type RetryConfig struct {
	MaxRetries int      `toml:"max_retries" yaml:"max_retries"`
	BaseDelay  Duration `toml:"base_delay" yaml:"base_delay"`
	MaxDelay   Duration `toml:"max_delay" yaml:"max_delay"`
	Multiplier float64  `toml:"multiplier" yaml:"multiplier"`
	Jitter     bool     `toml:"jitter" yaml:"jitter"`
}

type LoopConfig struct {
	MaxIterations  int      `toml:"max_iterations" yaml:"max_iterations"`
	EventBuffer    int      `toml:"event_buffer" yaml:"event_buffer"`
	ParallelTools  int      `toml:"parallel_tools" yaml:"parallel_tools"`
	RequestTimeout Duration `toml:"request_timeout" yaml:"request_timeout"`
	ToolTimeout    Duration `toml:"tool_timeout" yaml:"tool_timeout"`
}

type WorkspaceConfig struct {
	Root        string   `toml:"root" yaml:"root"`
	Restrict    bool     `toml:"restrict" yaml:"restrict"`
	BashTimeout Duration `toml:"bash_timeout" yaml:"bash_timeout"`
}

type GatewayConfig struct {
	Addr  string `toml:"addr" yaml:"addr"`
	Token string `toml:"token" yaml:"token"`
}

type DBConfig struct {
	Path        string   `toml:"path" yaml:"path"`
	JournalMode string   `toml:"journal_mode" yaml:"journal_mode"`
	BusyTimeout Duration `toml:"busy_timeout" yaml:"busy_timeout"`
}

type TracingConfig struct {
	Endpoint string `toml:"endpoint" yaml:"endpoint"`
	URLPath  string `toml:"url_path" yaml:"url_path"`
	APIKey   string `toml:"api_key" yaml:"api_key"`
	Insecure bool   `toml:"insecure" yaml:"insecure"`
}

type MetricsConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
}

type ServicesConfig struct {
	Brave BraveConfig `toml:"brave" yaml:"brave"`
}

type BraveConfig struct {
	APIKey string `toml:"api_key" yaml:"api_key"`
}

type MCPConfig struct {
	Servers []mcphost.ServerConfig `toml:"servers" yaml:"servers"`
}

// CompactionConfig controls summarizing long persisted sessions. Role picks
// the route used for the summary request.
type CompactionConfig struct {
	Enabled    bool   `toml:"enabled" yaml:"enabled"`
	Threshold  int    `toml:"threshold" yaml:"threshold"`
	KeepRecent int    `toml:"keep_recent" yaml:"keep_recent"`
	Role       string `toml:"role" yaml:"role"`
}

// Duration reads and writes Go duration strings such as "500ms".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func Default() *Config {
	retry := agent.DefaultRetryPolicy()
	return &Config{
		LogLevel:    "info",
		DefaultRole: string(router.RoleCoder),
		Routes: map[string]RouteConfig{
			string(router.RoleCoder): {Provider: "anthropic"},
		},
		Approval: ApprovalConfig{Mode: string(agent.ModeAlwaysAsk)},
		Retry: RetryConfig{
			MaxRetries: retry.MaxRetries,
			BaseDelay:  Duration{retry.BaseDelay},
			MaxDelay:   Duration{retry.MaxDelay},
			Multiplier: retry.Multiplier,
			Jitter:     retry.Jitter,
		},
		Loop: LoopConfig{
			MaxIterations: agent.DefaultMaxIterations,
			EventBuffer:   64,
		},
		Workspace: WorkspaceConfig{BashTimeout: Duration{2 * time.Minute}},
		Gateway:   GatewayConfig{Addr: ":8484"},
		DB:        DBConfig{Path: defaultDBPath()},
		Compaction: CompactionConfig{
			Threshold:  40,
			KeepRecent: 10,
			Role:       string(router.RoleQuickAnswer),
		},
	}
}

// Load reads path, or the default location when path is empty. A missing
// file at the default location yields the defaults.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		cfg := Default()
		return cfg, Validate(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f, formatOf(path))
	if err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

func formatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatTOML
	}
}

// LoadFromReader decodes r over the defaults and validates the result.
// Unknown keys are rejected in both formats.
func LoadFromReader(r io.Reader, format Format) (*Config, error) {
	cfg := Default()
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	default:
		md, err := toml.NewDecoder(r).Decode(cfg)
		if err != nil {
			return nil, fmt.Errorf("decode toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem found, joined.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if cfg.DefaultRole == "" {
		errs = append(errs, &router.ConfigurationError{Msg: "default_role is not set"})
	} else if _, ok := cfg.Routes[cfg.DefaultRole]; !ok {
		errs = append(errs, &router.ConfigurationError{Msg: fmt.Sprintf("no route for default role %q", cfg.DefaultRole)})
	}
	for role, r := range cfg.Routes {
		switch {
		case r.Provider == "":
			add("routes.%s: provider is required", role)
		case !cfg.knownProvider(r.Provider):
			add("routes.%s: unknown provider %q", role, r.Provider)
		}
		if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
			add("routes.%s: temperature %v out of range [0, 2]", role, *r.Temperature)
		}
	}
	for role, a := range cfg.Agents {
		if a.MaxIterations < 0 {
			add("agents.%s: max_iterations must not be negative", role)
		}
	}
	if _, err := agent.ParseMode(cfg.Approval.Mode); err != nil {
		add("approval.mode: %v", err)
	}
	if cfg.Retry.MaxRetries < 0 {
		add("retry.max_retries must not be negative")
	}
	if cfg.Retry.Multiplier != 0 && cfg.Retry.Multiplier < 1 {
		add("retry.multiplier must be at least 1")
	}
	if cfg.Loop.MaxIterations < 0 || cfg.Loop.EventBuffer < 0 || cfg.Loop.ParallelTools < 0 {
		add("loop: values must not be negative")
	}

	if c := cfg.Compaction; c.Enabled && (c.KeepRecent < 0 || c.Threshold <= c.KeepRecent) {
		add("compaction: threshold must exceed keep_recent")
	}

	seen := make(map[string]bool)
	for i, s := range cfg.MCP.Servers {
		if s.Name == "" {
			add("mcp.servers[%d]: name is required", i)
			continue
		}
		if seen[s.Name] {
			add("mcp.servers: duplicate name %q", s.Name)
		}
		seen[s.Name] = true
	}

	return errors.Join(errs...)
}

func (cfg *Config) knownProvider(id string) bool {
	if _, ok := cfg.Providers[id]; ok {
		return true
	}
	_, ok := llm.BuiltinProvider(id)
	return ok
}

// RouterRoutes converts the routes section for router.New.
func (cfg *Config) RouterRoutes() map[router.Role]router.Route {
	routes := make(map[router.Role]router.Route, len(cfg.Routes))
	for role, r := range cfg.Routes {
		routes[router.Role(role)] = router.Route{
			Role:     router.Role(role),
			Provider: r.Provider,
			Model:    r.Model,
			Params:   router.Params{Temperature: r.Temperature, MaxTokens: r.MaxTokens},
		}
	}
	return routes
}

// Profiles overlays the agents section on the built-in profiles.
func (cfg *Config) Profiles() map[router.Role]*agent.AgentProfile {
	profiles := agent.DefaultProfiles()
	for role, a := range cfg.Agents {
		p, ok := profiles[router.Role(role)]
		if !ok {
			p = &agent.AgentProfile{Role: router.Role(role)}
			profiles[p.Role] = p
		}
		if a.SystemPrompt != "" {
			p.SystemPrompt = a.SystemPrompt
		}
		if a.Tools != nil {
			p.Tools = a.Tools
		}
		if a.MaxIterations > 0 {
			p.MaxIterations = a.MaxIterations
		}
	}
	for _, p := range profiles {
		if p.MaxIterations == 0 {
			p.MaxIterations = cfg.Loop.MaxIterations
		}
	}
	return profiles
}

func (cfg *Config) RetryPolicy() agent.RetryPolicy {
	return agent.RetryPolicy{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay.Duration,
		MaxDelay:   cfg.Retry.MaxDelay.Duration,
		Multiplier: cfg.Retry.Multiplier,
		Jitter:     cfg.Retry.Jitter,
	}
}

// WriteDefault writes the default configuration as TOML. It refuses to
// replace an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config: %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(Default()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func DefaultPath() string {
	dir, _ := os.UserConfigDir()
	return filepath.Join(dir, "quill", "config.toml")
}

func defaultDBPath() string {
	dir, _ := os.UserHomeDir()
	return filepath.Join(dir, ".local", "share", "quill", "quill.db")
}
