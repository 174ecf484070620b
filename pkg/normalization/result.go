package normalization

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"robustmni/pkg/engine"
	"robustmni/pkg/validation"
)

// Outcome classifies one attempt.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeEngineFailure Outcome = "engine-failure"

	// OutcomeRejected marks an engine success whose mask overlap was too low.
	OutcomeRejected Outcome = "rejected"

	// OutcomeValidationError marks an engine success that could not be checked.
	OutcomeValidationError Outcome = "validation-error"
)

// AttemptRecord describes one preset attempt. Records are appended in attempt
// order and never modified afterwards.
type AttemptRecord struct {
	Index       int             `yaml:"index"`
	Preset      string          `yaml:"preset"`
	CommandLine string          `yaml:"commandLine,omitempty"`
	StdoutLog   string          `yaml:"stdoutLog,omitempty"`
	StderrLog   string          `yaml:"stderrLog,omitempty"`
	Outcome     Outcome         `yaml:"outcome"`
	Error       string          `yaml:"error,omitempty"`
	Duration    time.Duration   `yaml:"duration"`
	Outputs     *engine.Outputs `yaml:"outputs,omitempty"`
}

// Result describes a normalization run. ReturnCode is zero only for an
// accepted registration; a failed run keeps its attempts and the error text.
type Result struct {
	RunID      uuid.UUID          `yaml:"runId"`
	ReturnCode int                `yaml:"returnCode"`
	Error      string             `yaml:"error,omitempty"`
	Outputs    engine.Outputs     `yaml:"outputs"`
	Attempts   []AttemptRecord    `yaml:"attempts"`
	Validation *validation.Report `yaml:"validation,omitempty"`
}

// failed marks the result as a failure and returns it with err.
func (r *Result) failed(err error) (*Result, error) {
	r.ReturnCode = 1
	r.Error = err.Error()
	return r, err
}

// Retries returns the number of attempts made after the first one.
func (r *Result) Retries() int {
	return len(r.Attempts) - 1
}

// WriteReport saves the result as YAML.
func (r *Result) WriteReport(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating report directory: %w", err)
	}
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("error marshaling report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing report: %w", err)
	}
	return nil
}
