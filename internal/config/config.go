// Package config handles loading and validation of the gateway's
// configuration: built-in defaults, an optional JSON file and environment
// overrides, applied in that order.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is the fully merged configuration.
type Config struct {
	Env      string         `json:"env"`      // "development" or "production"
	LogLevel string         `json:"logLevel"` // debug, info, warn, error
	Server   ServerConfig   `json:"server"`
	Session  SessionConfig  `json:"session"`
	Pairing  PairingConfig  `json:"pairing"`
	Recovery RecoveryConfig `json:"recovery"`
	Memory   MemoryConfig   `json:"memory"`
	Delivery DeliveryConfig `json:"delivery"`
	Alerts   AlertsConfig   `json:"alerts"`
}

type ServerConfig struct {
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
	RateLimitRPM   int      `json:"rateLimitRPM"` // per client on send endpoints; 0 disables
	RateLimitBurst int      `json:"rateLimitBurst"`
}

// SessionConfig identifies the persisted WhatsApp session.
type SessionConfig struct {
	Dir        string `json:"dir"`
	ClientID   string `json:"clientID"`
	DeviceName string `json:"deviceName"`
	VersionPin string `json:"versionPin,omitempty"`
}

type PairingConfig struct {
	TTL Duration `json:"ttl"`
}

// RecoveryConfig holds the supervisor's re-initialization delays.
type RecoveryConfig struct {
	AuthFailureDelay Duration `json:"authFailureDelay"`
	DisconnectDelay  Duration `json:"disconnectDelay"`
	PressureDelay    Duration `json:"pressureDelay"` // used instead of DisconnectDelay under memory pressure
	ResetDelay       Duration `json:"resetDelay"`
}

type MemoryConfig struct {
	WarnMB     int      `json:"warnMB"`
	CriticalMB int      `json:"criticalMB"`
	Interval   Duration `json:"interval"`
}

// DeliveryConfig holds retry policies and bulk pacing.
type DeliveryConfig struct {
	SingleAttempts   int      `json:"singleAttempts"`
	SingleRetryDelay Duration `json:"singleRetryDelay"`
	BulkAttempts     int      `json:"bulkAttempts"`
	BulkRetryDelay   Duration `json:"bulkRetryDelay"`
	Pacing           Duration `json:"pacing"`
}

type AlertsConfig struct {
	SlackWebhookURL string `json:"slackWebhookURL,omitempty"`
	SlackChannel    string `json:"slackChannel,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Env:      "development",
		LogLevel: "info",
		Server: ServerConfig{
			Port:           3000,
			RateLimitRPM:   0,
			RateLimitBurst: 5,
		},
		Session: SessionConfig{
			Dir:        "sessions",
			ClientID:   "wagate",
			DeviceName: "wagate",
		},
		Pairing: PairingConfig{TTL: Duration(20 * time.Second)},
		Recovery: RecoveryConfig{
			AuthFailureDelay: Duration(5 * time.Second),
			DisconnectDelay:  Duration(5 * time.Second),
			PressureDelay:    Duration(15 * time.Second),
			ResetDelay:       Duration(2 * time.Second),
		},
		Memory: MemoryConfig{
			WarnMB:     400,
			CriticalMB: 450,
			Interval:   Duration(5 * time.Minute),
		},
		Delivery: DeliveryConfig{
			SingleAttempts:   3,
			SingleRetryDelay: Duration(2 * time.Second),
			BulkAttempts:     2,
			BulkRetryDelay:   Duration(time.Second),
			Pacing:           Duration(3 * time.Second),
		},
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Duration is a time.Duration written as a Go duration string ("5s",
// "1m30s") in JSON.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
