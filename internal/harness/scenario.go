package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/rlog/internal/logerr"
	"github.com/roach88/rlog/internal/recoverylog"
)

// Scenario is one crash scenario.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario checks.
	Description string `yaml:"description"`

	// Log overrides the default file sizes.
	Log LogSettings `yaml:"log,omitempty"`

	// Steps run in order against one log.
	Steps []Step `yaml:"steps"`

	// Expect is checked against the log after the last step.
	Expect *Expect `yaml:"expect,omitempty"`
}

// LogSettings are the configurable parts of the scenario's log.
type LogSettings struct {
	InitialSizeKB  int  `yaml:"initial_size_kb,omitempty"`
	MaxSizeKB      int  `yaml:"max_size_kb,omitempty"`
	DisableMapping bool `yaml:"disable_mapping,omitempty"`
}

// Step is one operation.
type Step struct {
	Op      string   `yaml:"op"`
	Unit    string   `yaml:"unit,omitempty"`
	Section int32    `yaml:"section,omitempty"`
	Single  bool     `yaml:"single,omitempty"`
	Data    []string `yaml:"data,omitempty"`

	// At names the keypoint step a crash_keypoint stops after.
	At string `yaml:"at,omitempty"`

	// Error is the code the step must fail with, e.g. FULL.
	Error string `yaml:"error,omitempty"`
}

// Expect describes the log after the last step. Units lists every live
// unit by alias, then section id, then items.
type Expect struct {
	Units         map[string]map[int32][]string `yaml:"units"`
	ActiveFile    int                           `yaml:"active_file,omitempty"`
	ShutdownClean *bool                         `yaml:"shutdown_clean,omitempty"`
	ServiceData   *string                       `yaml:"service_data,omitempty"`
}

// Operation names.
const (
	OpCreate        = "create"
	OpAdd           = "add"
	OpWrite         = "write"
	OpForce         = "force"
	OpRemove        = "remove"
	OpKeypoint      = "keypoint"
	OpCrashKeypoint = "crash_keypoint"
	OpCrash         = "crash"
	OpReopen        = "reopen"
	OpServiceData   = "service_data"
)

var unitOps = map[string]bool{
	OpCreate: true,
	OpAdd:    true,
	OpWrite:  true,
	OpForce:  true,
	OpRemove: true,
}

var knownCodes = map[logerr.Code]bool{
	logerr.CodeAllocation:    true,
	logerr.CodeCorrupted:     true,
	logerr.CodeIncompatible:  true,
	logerr.CodeFull:          true,
	logerr.CodeInternal:      true,
	logerr.CodeWriteFailed:   true,
	logerr.CodeClosed:        true,
	logerr.CodeInvalidUnit:   true,
	logerr.CodeSectionExists: true,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or fails validation.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict decoding catches typos like "step:" for "steps:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.Log.InitialSizeKB < 0 || s.Log.MaxSizeKB < 0 {
		return fmt.Errorf("log sizes must be non-negative")
	}

	created := make(map[string]bool)
	for i, step := range s.Steps {
		if err := validateStep(i, step, created); err != nil {
			return err
		}
	}
	if s.Expect != nil {
		for alias := range s.Expect.Units {
			if !created[alias] {
				return fmt.Errorf("expect: unit %q is never created", alias)
			}
		}
		if s.Expect.ActiveFile < 0 || s.Expect.ActiveFile > 2 {
			return fmt.Errorf("expect: active_file must be 1 or 2")
		}
	}
	return nil
}

func validateStep(i int, step Step, created map[string]bool) error {
	switch step.Op {
	case OpCreate, OpAdd, OpWrite, OpForce, OpRemove,
		OpKeypoint, OpCrash, OpReopen:
	case OpCrashKeypoint:
		if _, err := recoverylog.ParseKeypointStep(step.At); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	case OpServiceData:
		if len(step.Data) != 1 {
			return fmt.Errorf("steps[%d]: service_data takes exactly one data item", i)
		}
	case "":
		return fmt.Errorf("steps[%d]: op is required", i)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", i, step.Op)
	}

	if unitOps[step.Op] {
		if step.Unit == "" {
			return fmt.Errorf("steps[%d]: unit is required for %s", i, step.Op)
		}
		if step.Op == OpCreate {
			created[step.Unit] = true
		} else if !created[step.Unit] {
			return fmt.Errorf("steps[%d]: unit %q is used before it is created", i, step.Unit)
		}
	}
	if step.Op == OpAdd && len(step.Data) == 0 {
		return fmt.Errorf("steps[%d]: add requires data", i)
	}
	if step.Error != "" && !knownCodes[logerr.Code(step.Error)] {
		return fmt.Errorf("steps[%d]: unknown error code %q", i, step.Error)
	}
	return nil
}
