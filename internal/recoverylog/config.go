package recoverylog

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/roach88/rlog/internal/logheader"
)

// File size defaults, in KB.
const (
	DefaultFileSizeKB = 1024
	MinFileSizeKB     = 8
)

// Keypoint sizing. A keypoint grows the files when the live data would use
// more than resizeTrigger of the free space, to resizeMultiplier times the
// live data. The fill warning fires when less than a quarter of the maximum
// is left.
const (
	resizeTrigger     = 0.95
	resizeMultiplier  = 1.25
	fillWarningFactor = 3
)

// Config identifies a log and sizes its files.
type Config struct {
	// Dir is the parent directory. The log lives in Dir/LogName.
	Dir string `yaml:"dir" json:"dir"`

	ServerName     string `yaml:"server_name" json:"server_name"`
	ServiceName    string `yaml:"service_name" json:"service_name"`
	ServiceVersion int32  `yaml:"service_version" json:"service_version"`
	LogName        string `yaml:"log_name" json:"log_name"`

	// InitialSizeKB is the size of newly created files. MaxSizeKB bounds
	// keypoint growth and defaults to InitialSizeKB.
	InitialSizeKB int `yaml:"initial_size_kb" json:"initial_size_kb"`
	MaxSizeKB     int `yaml:"max_size_kb" json:"max_size_kb"`

	// DisableMapping selects buffered file I/O instead of memory mapping.
	DisableMapping bool `yaml:"disable_mapping" json:"disable_mapping"`

	// VectoredWrites coalesces adjacent buffered writes at force time.
	VectoredWrites bool `yaml:"vectored_writes" json:"vectored_writes"`
}

// Normalize applies defaults and the size floor.
func (c Config) Normalize() Config {
	if c.InitialSizeKB == 0 {
		c.InitialSizeKB = DefaultFileSizeKB
	}
	c.InitialSizeKB = max(c.InitialSizeKB, MinFileSizeKB)
	if c.MaxSizeKB == 0 {
		c.MaxSizeKB = c.InitialSizeKB
	}
	c.MaxSizeKB = max(c.MaxSizeKB, c.InitialSizeKB)
	return c
}

// Validate reports missing identity fields.
func (c Config) Validate() error {
	var errs []error
	for _, f := range []struct{ name, value string }{
		{"dir", c.Dir},
		{"server_name", c.ServerName},
		{"service_name", c.ServiceName},
		{"log_name", c.LogName},
	} {
		if f.value == "" {
			errs = append(errs, fmt.Errorf("%s is required", f.name))
		}
	}
	if c.InitialSizeKB < 0 || c.MaxSizeKB < 0 {
		errs = append(errs, errors.New("file sizes must not be negative"))
	}
	return errors.Join(errs...)
}

// Identity returns the header identity of the log.
func (c Config) Identity() logheader.Identity {
	return logheader.Identity{
		ServerName:     c.ServerName,
		ServiceName:    c.ServiceName,
		ServiceVersion: c.ServiceVersion,
		LogName:        c.LogName,
	}
}

// LogDir is the directory holding the two files and the sentinel.
func (c Config) LogDir() string {
	return filepath.Join(c.Dir, c.LogName)
}
