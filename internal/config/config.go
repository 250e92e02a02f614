package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/chatproto/internal/codec"
)

// Config contains all runtime settings for the protocol engine.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	SessionInactivityTimeout time.Duration
	JanitorInterval          time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	DecodeMode codec.Mode

	DefaultInputMode       string
	DefaultSilenceDuration float64
	DefaultNChannels       int
	DefaultSampleRate      int
	DefaultSampleWidth     int

	FirstOutputSLO time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("CHATPROTO_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("CHATPROTO_METRICS_NAMESPACE", "chatproto"),
		AllowAnyOrigin:           false,
		SessionInactivityTimeout: 2 * time.Minute,
		JanitorInterval:          5 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             10 * time.Second,
		DecodeMode:               codec.ModeStrict,
		DefaultInputMode:         envOrDefault("CHATPROTO_DEFAULT_INPUT_MODE", "text"),
		DefaultSilenceDuration:   -1,
		DefaultNChannels:         1,
		DefaultSampleRate:        16000,
		DefaultSampleWidth:       2,
		ShutdownTimeout:          15 * time.Second,
		FirstOutputSLO:           700 * time.Millisecond,
	}

	var err error
	cfg.SessionInactivityTimeout, err = durationFromEnv("CHATPROTO_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.JanitorInterval, err = durationFromEnv("CHATPROTO_JANITOR_INTERVAL", cfg.JanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ReadTimeout, err = durationFromEnv("CHATPROTO_READ_TIMEOUT", cfg.ReadTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.WriteTimeout, err = durationFromEnv("CHATPROTO_WRITE_TIMEOUT", cfg.WriteTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ShutdownTimeout, err = durationFromEnv("CHATPROTO_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.FirstOutputSLO, err = durationFromEnv("CHATPROTO_FIRST_OUTPUT_SLO", cfg.FirstOutputSLO)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("CHATPROTO_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultNChannels, err = intFromEnv("CHATPROTO_DEFAULT_NCHANNELS", cfg.DefaultNChannels)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultSampleRate, err = intFromEnv("CHATPROTO_DEFAULT_SAMPLE_RATE", cfg.DefaultSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultSampleWidth, err = intFromEnv("CHATPROTO_DEFAULT_SAMPLE_WIDTH", cfg.DefaultSampleWidth)
	if err != nil {
		return Config{}, err
	}

	switch strings.ToLower(envOrDefault("CHATPROTO_DECODE_MODE", "strict")) {
	case "strict":
		cfg.DecodeMode = codec.ModeStrict
	case "lenient":
		cfg.DecodeMode = codec.ModeLenient
	default:
		return Config{}, fmt.Errorf("CHATPROTO_DECODE_MODE must be strict or lenient")
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("CHATPROTO_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.DefaultNChannels <= 0 {
		return Config{}, fmt.Errorf("CHATPROTO_DEFAULT_NCHANNELS must be positive")
	}
	if cfg.DefaultSampleRate <= 0 {
		return Config{}, fmt.Errorf("CHATPROTO_DEFAULT_SAMPLE_RATE must be positive")
	}
	if cfg.DefaultSampleWidth <= 0 {
		return Config{}, fmt.Errorf("CHATPROTO_DEFAULT_SAMPLE_WIDTH must be positive")
	}
	if cfg.DefaultInputMode != "text" && cfg.DefaultInputMode != "audio" {
		return Config{}, fmt.Errorf("CHATPROTO_DEFAULT_INPUT_MODE must be text or audio")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
