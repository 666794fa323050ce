package avifcheck

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jdeng/avifcheck/heif"
	"github.com/jdeng/avifcheck/heif/bmff"
	"github.com/jdeng/avifcheck/internal/logger"
)

// Config tunes a validation run.
type Config struct {
	LogLevel    string `yaml:"log_level"`
	MaxItemData int64  `yaml:"max_item_data"`
	MaxSlurp    int64  `yaml:"max_slurp"`

	// SequenceHeaders enables the checks that read the AV1 sequence
	// header out of image item and track sample data.
	SequenceHeaders bool `yaml:"sequence_headers"`

	// DefaultNCLX replaces the colour values readers are assumed to use
	// for images without an nclx colr box.
	DefaultNCLX *NCLX `yaml:"default_nclx"`

	DisabledChecks []Code             `yaml:"disabled_checks"`
	Severity       map[Code]Severity `yaml:"severity"`

	Server ServerConfig `yaml:"server"`
}

// ServerConfig configures the HTTP service.
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	DBPath    string `yaml:"db_path"`
	MaxUpload int64  `yaml:"max_upload"`

	// Pprof mounts the runtime profiling handlers under /debug/pprof.
	Pprof bool `yaml:"pprof"`
}

// NCLX is a set of nclx colour values.
type NCLX struct {
	ColourPrimaries         uint8 `yaml:"colour_primaries"`
	TransferCharacteristics uint8 `yaml:"transfer_characteristics"`
	MatrixCoefficients      uint8 `yaml:"matrix_coefficients"`
	FullRange               bool  `yaml:"full_range"`
}

// ParseNCLX reads "cp,tc,mc,full_range", as in "1,13,6,1".
func ParseNCLX(s string) (NCLX, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return NCLX{}, fmt.Errorf("avifcheck: nclx %q: want 4 comma separated values", s)
	}
	var v [4]uint8
	for i, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 8)
		if err != nil {
			return NCLX{}, fmt.Errorf("avifcheck: nclx %q: %w", s, err)
		}
		v[i] = uint8(n)
	}
	if v[3] > 1 {
		return NCLX{}, fmt.Errorf("avifcheck: nclx %q: full_range must be 0 or 1", s)
	}
	return NCLX{ColourPrimaries: v[0], TransferCharacteristics: v[1], MatrixCoefficients: v[2], FullRange: v[3] == 1}, nil
}

func (n NCLX) String() string {
	return fmt.Sprintf("%d,%d,%d,%d", n.ColourPrimaries, n.TransferCharacteristics, n.MatrixCoefficients, b2i(n.FullRange))
}

// ErrUnknownCode is returned by Config.Validate for codes that do not exist.
var ErrUnknownCode = errors.New("avifcheck: unknown code")

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:        "info",
		MaxItemData:     heif.DefaultMaxItemData,
		MaxSlurp:        bmff.DefaultMaxSlurp,
		SequenceHeaders: true,
		Server: ServerConfig{
			Addr:      ":8080",
			DBPath:    "avifcheck.db",
			MaxUpload: 64 << 20,
		},
	}
}

// LoadConfig reads a YAML configuration file. Settings it leaves out
// keep their default.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(raw)
}

// ParseConfig decodes a YAML configuration.
func ParseConfig(raw []byte) (*Config, error) {
	c := DefaultConfig()
	if err := yaml.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the configuration for unknown codes and bad limits.
func (c *Config) Validate() error {
	for _, code := range c.DisabledChecks {
		if !code.Known() {
			return fmt.Errorf("%w %q in disabled_checks", ErrUnknownCode, code)
		}
	}
	for code := range c.Severity {
		if !code.Known() {
			return fmt.Errorf("%w %q in severity", ErrUnknownCode, code)
		}
	}
	if c.MaxItemData <= 0 {
		return fmt.Errorf("avifcheck: max_item_data must be positive, got %d", c.MaxItemData)
	}
	if c.MaxSlurp <= 0 {
		return fmt.Errorf("avifcheck: max_slurp must be positive, got %d", c.MaxSlurp)
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c *Config) disabled(code Code) bool {
	for _, d := range c.DisabledChecks {
		if d == code {
			return true
		}
	}
	return false
}

// UnmarshalYAML lets severities be written as words.
func (s *Severity) UnmarshalYAML(value *yaml.Node) error {
	return s.UnmarshalText([]byte(value.Value))
}
