package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"bandalign/internal/estimate"
	"bandalign/internal/scale"
)

const (
	defaultConfigPath = "~/.config/bandalign/config.json"
	// EnvConfig overrides the configuration file location.
	EnvConfig = "BANDALIGN_CONFIG"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds user-editable settings for registration runs.
type Config struct {
	Registration Registration `json:"registration" toml:"registration"`
	Dual         Dual         `json:"dual" toml:"dual"`
	Logging      Logging      `json:"logging" toml:"logging"`
	Paths        Paths        `json:"paths" toml:"paths"`
	Server       Server       `json:"server" toml:"server"`
}

// Registration configures multiband band-group registration.
type Registration struct {
	Segments         int             `json:"segments" toml:"segments"`
	Compactness      float64         `json:"compactness" toml:"compactness"`
	Sigma            float64         `json:"sigma" toml:"sigma"`
	ReferenceBand    int             `json:"reference_band" toml:"reference_band"` // 1..5
	Method           string          `json:"method" toml:"method"`                 // slic, features, hybrid, phase
	PreserveMetadata bool            `json:"preserve_metadata" toml:"preserve_metadata"`
	Resume           bool            `json:"resume" toml:"resume"`
	PhaseUpsample    int             `json:"phase_upsample" toml:"phase_upsample"`
	Features         int             `json:"features" toml:"features"`
	Robust           estimate.Params `json:"robust" toml:"robust"`
	DualRobust       estimate.Params `json:"dual_robust" toml:"dual_robust"`
	Seed             int64           `json:"seed" toml:"seed"`
}

// Dual configures the two-image variant.
type Dual struct {
	Method   string        `json:"method" toml:"method"` // features, phase, hybrid
	Scale    scale.Options `json:"scale" toml:"scale"`
	Contrast bool          `json:"contrast" toml:"contrast"`
	Overlay  string        `json:"overlay" toml:"overlay"`
	Features int           `json:"features" toml:"features"`
	Best     int           `json:"best_matches" toml:"best_matches"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" toml:"level"`             // debug, info, warn, error
	Format     string `json:"format" toml:"format"`           // text, json
	FileOutput bool   `json:"file_output" toml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" toml:"log_dir"`         // Directory for log files
	MaxSize    int    `json:"max_size" toml:"max_size"`       // Max size in MB before rotation
	MaxBackups int    `json:"max_backups" toml:"max_backups"` // Number of backup files to keep
	MaxAge     int    `json:"max_age" toml:"max_age"`         // Days to keep log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput   string `json:"default_input" toml:"default_input"`
	DefaultOutput  string `json:"default_output" toml:"default_output"`
	DatabasePath   string `json:"database_path" toml:"database_path"`
	DatabaseDriver string `json:"database_driver" toml:"database_driver"` // sqlite (pure Go) or sqlite3 (cgo)
}

// Server configures the status server and watch mode.
type Server struct {
	HTTPAddr        string `json:"http_addr" toml:"http_addr"`
	GRPCAddr        string `json:"grpc_addr" toml:"grpc_addr"`
	WatchDebounceMS int    `json:"watch_debounce_ms" toml:"watch_debounce_ms"`
}

// Path returns the configuration file location in effect.
func Path() (string, error) {
	p := os.Getenv(EnvConfig)
	if p == "" {
		p = defaultConfigPath
	}
	return expandUser(p)
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	p, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFile(p)
}

// LoadFile reads path as JSON, or TOML when it ends in .toml. A missing file
// yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Registration: Registration{
			Segments:         1000,
			Compactness:      10,
			Sigma:            1,
			ReferenceBand:    1,
			Method:           "hybrid",
			PreserveMetadata: true,
			Resume:           true,
			PhaseUpsample:    20,
			Features:         1000,
			Robust:           estimate.Multiband,
			DualRobust:       estimate.Dual,
			Seed:             1,
		},
		Dual: Dual{
			Method:   "hybrid",
			Scale:    scale.DefaultOptions(),
			Contrast: true,
			Overlay:  "blend",
			Features: 2000,
			Best:     100,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
		},
		Paths: Paths{
			DefaultInput:   ".",
			DefaultOutput:  "",
			DatabasePath:   filepath.Join(os.TempDir(), "bandalign.db"),
			DatabaseDriver: "sqlite",
		},
		Server: Server{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":9090",
			WatchDebounceMS: 2000,
		},
	}
}

// Validate reports the first out-of-range setting.
func (c *Config) Validate() error {
	r := c.Registration
	switch {
	case r.Segments < 1:
		return fmt.Errorf("%w: registration.segments must be positive", ErrInvalidConfig)
	case r.Compactness <= 0:
		return fmt.Errorf("%w: registration.compactness must be positive", ErrInvalidConfig)
	case r.Sigma < 0:
		return fmt.Errorf("%w: registration.sigma must not be negative", ErrInvalidConfig)
	case r.ReferenceBand < 1 || r.ReferenceBand > 5:
		return fmt.Errorf("%w: registration.reference_band must be 1..5, got %d", ErrInvalidConfig, r.ReferenceBand)
	case !oneOf(r.Method, "slic", "features", "hybrid", "phase"):
		return fmt.Errorf("%w: registration.method %q", ErrInvalidConfig, r.Method)
	case r.Robust.Threshold <= 0 || r.DualRobust.Threshold <= 0:
		return fmt.Errorf("%w: robust threshold must be positive", ErrInvalidConfig)
	case r.Robust.Confidence <= 0 || r.Robust.Confidence >= 1 || r.DualRobust.Confidence <= 0 || r.DualRobust.Confidence >= 1:
		return fmt.Errorf("%w: robust confidence must be in (0,1)", ErrInvalidConfig)
	}

	d := c.Dual
	switch {
	case !oneOf(d.Method, "features", "phase", "hybrid"):
		return fmt.Errorf("%w: dual.method %q", ErrInvalidConfig, d.Method)
	case !oneOf(d.Overlay, "blend", "checkerboard", "side_by_side", "thermal_overlay"):
		return fmt.Errorf("%w: dual.overlay %q", ErrInvalidConfig, d.Overlay)
	case d.Scale.Window < 0 || d.Scale.Window >= 1:
		return fmt.Errorf("%w: dual.scale.window must be in [0,1)", ErrInvalidConfig)
	}

	if !oneOf(c.Logging.Format, "text", "json") {
		return fmt.Errorf("%w: logging.format %q", ErrInvalidConfig, c.Logging.Format)
	}
	if !oneOf(c.Paths.DatabaseDriver, "sqlite", "sqlite3") {
		return fmt.Errorf("%w: paths.database_driver %q", ErrInvalidConfig, c.Paths.DatabaseDriver)
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return true
		}
	}
	return false
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
