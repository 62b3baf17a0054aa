package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// envVarPattern matches ${VAR_NAME} references in string values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load builds the configuration: defaults, then the JSON file at path (if
// path is non-empty), then environment overrides. A .env file in the
// working directory is loaded first when present. The result is validated.
func Load(path string) (*Config, error) {
	// Variables already set in the environment win over .env.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		if err := loadJSON(path, &cfg); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

// loadJSON reads a JSON file, resolves ${VAR} references, and unmarshals it
// into dest. Fields missing from the file keep their current values.
func loadJSON(path string, dest any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	resolved := resolveEnvVars(string(data))

	if err := json.Unmarshal([]byte(resolved), dest); err != nil {
		return fmt.Errorf("parse JSON: %w", err)
	}

	return nil
}

// resolveEnvVars replaces all ${VAR_NAME} patterns in s with the
// corresponding environment variable values. Unset variables resolve to "".
func resolveEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1] // strip ${ and }
		return os.Getenv(varName)
	})
}

// applyEnv overrides cfg from environment variables.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []string

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %q is not a number", key, v))
			return
		}
		*dst = n
	}

	num("PORT", &cfg.Server.Port)
	str("ENV", &cfg.Env)
	str("LOG_LEVEL", &cfg.LogLevel)
	num("RATE_LIMIT_RPM", &cfg.Server.RateLimitRPM)
	num("RATE_LIMIT_BURST", &cfg.Server.RateLimitBurst)
	str("SESSION_DIR", &cfg.Session.Dir)
	str("CLIENT_ID", &cfg.Session.ClientID)
	str("DEVICE_NAME", &cfg.Session.DeviceName)
	str("WA_VERSION_PIN", &cfg.Session.VersionPin)
	str("SLACK_WEBHOOK_URL", &cfg.Alerts.SlackWebhookURL)

	// Comma-separated list
	if origins, ok := lookup("ALLOWED_ORIGINS"); ok && origins != "" {
		cfg.Server.AllowedOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				cfg.Server.AllowedOrigins = append(cfg.Server.AllowedOrigins, o)
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Validate checks that all settings are usable and reports every problem
// at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	if c.Server.RateLimitRPM < 0 {
		errs = append(errs, "server.rateLimitRPM must not be negative")
	}
	switch c.Env {
	case "development", "production", "test":
	default:
		errs = append(errs, fmt.Sprintf("env %q must be development, production or test", c.Env))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logLevel %q is not one of debug, info, warn, error", c.LogLevel))
	}

	if c.Session.ClientID == "" {
		errs = append(errs, "session.clientID is required")
	} else if strings.ContainsAny(c.Session.ClientID, `/\`) || c.Session.ClientID == ".." {
		errs = append(errs, "session.clientID must not contain path separators")
	}
	if c.Session.Dir == "" {
		errs = append(errs, "session.dir is required")
	}

	if c.Pairing.TTL <= 0 {
		errs = append(errs, "pairing.ttl must be positive")
	}
	for name, d := range map[string]Duration{
		"recovery.authFailureDelay": c.Recovery.AuthFailureDelay,
		"recovery.disconnectDelay":  c.Recovery.DisconnectDelay,
		"recovery.pressureDelay":    c.Recovery.PressureDelay,
		"recovery.resetDelay":       c.Recovery.ResetDelay,
		"delivery.singleRetryDelay": c.Delivery.SingleRetryDelay,
		"delivery.bulkRetryDelay":   c.Delivery.BulkRetryDelay,
		"delivery.pacing":           c.Delivery.Pacing,
	} {
		if d < 0 {
			errs = append(errs, name+" must not be negative")
		}
	}

	if c.Memory.WarnMB <= 0 || c.Memory.CriticalMB <= 0 {
		errs = append(errs, "memory thresholds must be positive")
	} else if c.Memory.CriticalMB < c.Memory.WarnMB {
		errs = append(errs, "memory.criticalMB must not be below memory.warnMB")
	}
	if c.Memory.Interval <= 0 {
		errs = append(errs, "memory.interval must be positive")
	}

	if c.Delivery.SingleAttempts < 1 || c.Delivery.BulkAttempts < 1 {
		errs = append(errs, "delivery attempts must be at least 1")
	}

	if len(errs) > 0 {
		// Map iteration above is unordered.
		sort.Strings(errs)
		return fmt.Errorf("invalid settings:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
