package proxy

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of parameters needed to run a proxytainer instance.
// Required fields come from CLI flags; poll tuning can additionally be
// overridden by an optional YAML file.
type Config struct {
	// ListenPort is the local TCP port ProxyFront accepts connections on.
	ListenPort string
	// UpstreamAddr is the host:port the container group serves on once running.
	UpstreamAddr string
	// GroupLabel selects the container group via the `dag.group=<value>` label.
	GroupLabel string
	// IdleDuration is how long Running may go without a Poke before stopping.
	IdleDuration time.Duration
	// CurfewSchedule is an optional 5-field cron expression forcing a stop
	// on a fixed schedule, independent of traffic. Empty disables it.
	CurfewSchedule string
	// AdminPort is the admin HTTP server port; "0" disables it.
	AdminPort string
	// AdminAuth configures optional auth for the admin surface.
	AdminAuth AdminAuthConfig
	// NoHealth is accepted for compatibility with the original CLI surface
	// but has no effect — see SPEC_FULL.md §10.
	NoHealth bool

	// Poll tuning, overridable via an optional -config YAML file.
	PollMin       time.Duration `yaml:"poll_min"`
	PollMax       time.Duration `yaml:"poll_max"`
	PollGrowth    float64       `yaml:"poll_growth"`
	QueueCapacity int           `yaml:"queue_capacity"`
}

// AdminAuthConfig mirrors the teacher's admin_auth.go scheme, scoped to the
// three admin endpoints this implementation exposes.
type AdminAuthConfig struct {
	Method   string // "none" (default), "basic", or "bearer"
	Username string
	Password string
	Token    string
}

// tuningFile is the shape of the optional -config YAML file.
type tuningFile struct {
	PollMin       time.Duration `yaml:"poll_min"`
	PollMax       time.Duration `yaml:"poll_max"`
	PollGrowth    float64       `yaml:"poll_growth"`
	QueueCapacity int           `yaml:"queue_capacity"`
}

// ParseFlags parses CLI arguments (and applicable PROXYTAINER_* / ADMIN_AUTH_*
// env var overrides, mirroring the teacher's env-override convention) into a
// validated Config.
func ParseFlags(args []string) (*Config, error) {
	fs := flag.NewFlagSet("proxytainer", flag.ContinueOnError)

	port := fs.String("port", "", "listen port (required)")
	upstream := fs.String("upstream", "", "upstream host:port (required)")
	group := fs.String("group", "", "container group label value (required)")
	idle := fs.Uint("idle", 300, "idle seconds before the group is stopped")
	curfew := fs.String("curfew", "", "optional cron expression forcing a stop on schedule")
	adminPort := fs.String("admin-port", "0", "admin HTTP port (0 disables it)")
	adminMethod := fs.String("admin-auth-method", "none", "admin auth method: none, basic, bearer")
	adminUser := fs.String("admin-auth-username", "", "admin basic-auth username")
	adminPass := fs.String("admin-auth-password", "", "admin basic-auth password")
	adminToken := fs.String("admin-auth-token", "", "admin bearer token")
	configPath := fs.String("config", "", "optional YAML file tuning poll_min/poll_max/poll_growth/queue_capacity")
	noHealth := fs.Bool("no-health", false, "disable docker health check (parsed, has no effect)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *port == "" {
		return nil, fmt.Errorf("proxytainer: -port is required")
	}
	if *upstream == "" {
		return nil, fmt.Errorf("proxytainer: -upstream is required")
	}
	if *group == "" {
		return nil, fmt.Errorf("proxytainer: -group is required")
	}

	cfg := &Config{
		ListenPort:     *port,
		UpstreamAddr:   *upstream,
		GroupLabel:     *group,
		IdleDuration:   time.Duration(*idle) * time.Second,
		CurfewSchedule: *curfew,
		AdminPort:      *adminPort,
		AdminAuth: AdminAuthConfig{
			Method:   *adminMethod,
			Username: *adminUser,
			Password: *adminPass,
			Token:    *adminToken,
		},
		NoHealth:      *noHealth,
		PollMin:       125 * time.Millisecond,
		PollMax:       5 * time.Second,
		PollGrowth:    1.5,
		QueueCapacity: 8,
	}

	if *configPath != "" {
		if err := applyTuningFile(cfg, *configPath); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("proxytainer: invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyTuningFile loads poll-tuning overrides from a YAML file, leaving any
// zero-valued field at its default.
func applyTuningFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("proxytainer: cannot read config file %q: %w", path, err)
	}

	var tf tuningFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return fmt.Errorf("proxytainer: cannot parse config file %q: %w", path, err)
	}

	if tf.PollMin > 0 {
		cfg.PollMin = tf.PollMin
	}
	if tf.PollMax > 0 {
		cfg.PollMax = tf.PollMax
	}
	if tf.PollGrowth > 0 {
		cfg.PollGrowth = tf.PollGrowth
	}
	if tf.QueueCapacity > 0 {
		cfg.QueueCapacity = tf.QueueCapacity
	}
	return nil
}

// applyEnvOverrides lets PROXYTAINER_IDLE_SECONDS and ADMIN_AUTH_* override
// the parsed config, matching the teacher's env-var override convention.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PROXYTAINER_IDLE_SECONDS"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			cfg.IdleDuration = d
		} else {
			slog.Warn("invalid PROXYTAINER_IDLE_SECONDS env var, using parsed value", "value", v, "error", err)
		}
	}
	if v := os.Getenv("ADMIN_AUTH_METHOD"); v != "" {
		cfg.AdminAuth.Method = v
	}
	if v := os.Getenv("ADMIN_AUTH_USERNAME"); v != "" {
		cfg.AdminAuth.Username = v
	}
	if v := os.Getenv("ADMIN_AUTH_PASSWORD"); v != "" {
		cfg.AdminAuth.Password = v
	}
	if v := os.Getenv("ADMIN_AUTH_TOKEN"); v != "" {
		cfg.AdminAuth.Token = v
	}
}

// Validate checks invariants the rest of the package assumes hold.
func (c *Config) Validate() error {
	if c.PollMin <= 0 || c.PollMax <= 0 || c.PollMin > c.PollMax {
		return fmt.Errorf("poll_min/poll_max must satisfy 0 < poll_min <= poll_max")
	}
	if c.PollGrowth <= 1 {
		return fmt.Errorf("poll_growth must be > 1")
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be > 0")
	}

	switch c.AdminAuth.Method {
	case "", "none":
	case "basic":
		if c.AdminAuth.Username == "" || c.AdminAuth.Password == "" {
			return fmt.Errorf("admin_auth: method=basic requires non-empty username and password")
		}
	case "bearer":
		if c.AdminAuth.Token == "" {
			return fmt.Errorf("admin_auth: method=bearer requires non-empty token")
		}
	default:
		return fmt.Errorf("admin_auth: unknown method %q (allowed: none, basic, bearer)", c.AdminAuth.Method)
	}

	if c.CurfewSchedule != "" {
		if _, err := cronParser.Parse(c.CurfewSchedule); err != nil {
			return fmt.Errorf("curfew: invalid cron expression %q: %w", c.CurfewSchedule, err)
		}
	}

	return nil
}
