// Package config loads, normalizes and validates modelzoo run
// configurations, and reads the process settings that live outside the
// YAML file.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.yaml.in/yaml/v3"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every process setting read from the environment.
	EnvPrefix = "MODELZOO_"
)

// ConfigFile joins a --config-path directory and a --config-name, adding
// the .yaml extension when the name has none.
func ConfigFile(dir, name string) string {
	if filepath.Ext(name) == "" {
		name += ".yaml"
	}
	if dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}

// Load reads a YAML configuration, applies key=value overrides and
// resolves it for the given use case.
//
// Overrides use dotted paths and YAML scalars:
//
//	operation_mode=chain_tqe training.epochs=5 general.model_path=null
func Load(path string, u UseCase, overrides []string) (*Config, error) {
	raw, err := LoadRaw(path, overrides)
	if err != nil {
		return nil, err
	}
	return Resolve(raw, u)
}

// LoadRaw reads a YAML configuration and applies overrides without
// normalizing or validating it.
func LoadRaw(path string, overrides []string) (map[string]any, error) {
	k := koanf.New(".")

	// Open file once and validate using the file descriptor
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := k.Load(rawbytes.Provider(content), kyaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
	}

	for _, o := range overrides {
		key, value, err := ParseOverride(o)
		if err != nil {
			return nil, err
		}
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("failed to apply override %q: %w", o, err)
		}
	}
	return k.Raw(), nil
}

// ParseOverride splits "key=value" and decodes value as a YAML scalar or
// flow collection. A leading '+' on the key is accepted and ignored.
func ParseOverride(s string) (string, any, error) {
	key, value, ok := strings.Cut(s, "=")
	key = strings.TrimPrefix(strings.TrimSpace(key), "+")
	if !ok || key == "" {
		return "", nil, fmt.Errorf("invalid override %q: expected key=value", s)
	}
	var v any
	if err := yaml.Unmarshal([]byte(value), &v); err != nil {
		return key, value, nil
	}
	return key, v, nil
}

// validateConfigFileProperties checks file type and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", info.Name())
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// Settings are process-level options read from MODELZOO_* environment
// variables (and a .env file). They never appear in the run YAML.
type Settings struct {
	// FrameworkCmd is the command serving the ML framework adapter.
	FrameworkCmd string `koanf:"framework_cmd"`
	// FrameworkWorkdir is the working directory of the adapter command.
	FrameworkWorkdir string `koanf:"framework_workdir"`

	RemoteURL        string   `koanf:"remote_url"`
	AuthURL          string   `koanf:"auth_url"`
	ClientID         string   `koanf:"client_id"`
	RemoteRateLimit  float64  `koanf:"remote_rate_limit"`
	BenchmarkTimeout Duration `koanf:"benchmark_timeout"`

	SubprocessTimeout Duration `koanf:"subprocess_timeout"`
	BoardCatalog      string   `koanf:"board_catalog"`
	BoardUser         string   `koanf:"board_user"`
	BoardPassword     Secret   `koanf:"board_password"`
	BoardKey          string   `koanf:"board_key"`

	LogLevel  string            `koanf:"log_level"`
	Telemetry TelemetrySettings `koanf:"telemetry"`
}

// TelemetrySettings configures the optional OpenTelemetry exporter.
type TelemetrySettings struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// settingsSections are the nested groups of Settings. Variables starting
// with one of them map to "<section>.<field>".
var settingsSections = []string{"telemetry"}

// LoadSettings reads process settings from the environment after loading
// ./.env when present.
//
// Environment variables are mapped by stripping the prefix and lowercasing:
//
//	MODELZOO_REMOTE_URL        -> remote_url
//	MODELZOO_TELEMETRY_ENABLED -> telemetry.enabled
func LoadSettings() (*Settings, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		for _, section := range settingsSections {
			if strings.HasPrefix(lower, section+"_") {
				return section + "." + strings.TrimPrefix(lower, section+"_")
			}
		}
		return lower
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var s Settings
	if err := k.Unmarshal("", &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	applySettingsDefaults(&s)
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("settings validation failed: %w", err)
	}
	return &s, nil
}

// applySettingsDefaults sets default values for missing settings.
func applySettingsDefaults(s *Settings) {
	if s.RemoteURL == "" {
		s.RemoteURL = "https://stedgeai-dc.st.com"
	}
	if s.AuthURL == "" {
		s.AuthURL = "https://sso.st.com/as/token.oauth2"
	}
	if s.ClientID == "" {
		s.ClientID = "oidc_prod_client_app_stm32ai"
	}
	if s.RemoteRateLimit == 0 {
		s.RemoteRateLimit = 2
	}
	if s.BenchmarkTimeout == 0 {
		s.BenchmarkTimeout = Duration(1500 * time.Second)
	}
	if s.SubprocessTimeout == 0 {
		s.SubprocessTimeout = Duration(300 * time.Second)
	}
	if s.BoardUser == "" {
		s.BoardUser = "root"
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.Telemetry.Protocol == "" {
		s.Telemetry.Protocol = "grpc"
	}
	if s.Telemetry.Endpoint == "" {
		s.Telemetry.Endpoint = "localhost:4317"
	}
	if s.Telemetry.ServiceName == "" {
		s.Telemetry.ServiceName = "modelzoo"
	}
	if s.Telemetry.SampleRate == 0 {
		s.Telemetry.SampleRate = 1.0
	}
}

// Validate checks settings consistency.
func (s *Settings) Validate() error {
	if s.RemoteRateLimit < 0 {
		return fmt.Errorf("remote_rate_limit must be >= 0, got %v", s.RemoteRateLimit)
	}
	switch s.Telemetry.Protocol {
	case "grpc", "http", "http/protobuf":
	default:
		return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", s.Telemetry.Protocol)
	}
	if s.Telemetry.SampleRate < 0 || s.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be in [0, 1], got %v", s.Telemetry.SampleRate)
	}
	switch strings.ToLower(s.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of trace, debug, info, warn, error, got %q", s.LogLevel)
	}
	return nil
}
