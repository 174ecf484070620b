// Package normalization registers brain images to a template space by trying
// registration presets in order until one succeeds, then checking the result
// by mask overlap.
package normalization

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"robustmni/internal/models"
	"robustmni/pkg/engine"
	"robustmni/pkg/validation"
)

// ValidationPolicy decides what a rejected result means.
type ValidationPolicy string

const (
	// FailFast makes a rejected result fatal.
	FailFast ValidationPolicy = "fail-fast"

	// NextPreset treats a rejected result like an engine failure and moves on
	// to the next preset.
	NextPreset ValidationPolicy = "next-preset"
)

// ParsePolicy converts a configuration value to a ValidationPolicy. An empty
// value selects FailFast.
func ParsePolicy(s string) (ValidationPolicy, error) {
	switch ValidationPolicy(s) {
	case "", FailFast:
		return FailFast, nil
	case NextPreset:
		return NextPreset, nil
	}
	return "", fmt.Errorf("unknown validation policy %q", s)
}

// TemplateResolver locates template dataset files.
type TemplateResolver interface {
	ReferenceImage(name string, resolution int, modality models.Modality) (string, error)
	BrainMask(name string, resolution int) (string, error)
}

// SettingsResolver returns the ordered presets to try for a request.
type SettingsResolver interface {
	Resolve(req *models.Request) ([]string, error)
}

// Params configures a Normalizer.
type Params struct {
	Registration engine.Registration
	Initializer  engine.AffineInitializer
	Resampler    engine.Resampler
	Templates    TemplateResolver
	Settings     SettingsResolver

	// WorkDir receives masked images, engine outputs and log archives.
	// Defaults to the current directory.
	WorkDir string

	ValidationPolicy ValidationPolicy

	// OverlapThreshold is the percentage a result must exceed, in (0, 100).
	// Zero selects validation.DefaultThreshold.
	OverlapThreshold float64

	// Snapshots writes a QC overlay next to the validation outputs
	Snapshots bool

	// RunID identifies the run in logs and reports; generated when zero.
	RunID uuid.UUID
}

// Normalizer runs the preset fallback loop. A Normalizer is not safe for
// concurrent use since runs share the working directory.
type Normalizer struct {
	registration engine.Registration
	initializer  engine.AffineInitializer
	templates    TemplateResolver
	settings     SettingsResolver
	validator    *validation.Validator
	policy       ValidationPolicy
	workDir      string
	runID        uuid.UUID
}

// NewNormalizer creates a Normalizer from params.
func NewNormalizer(params *Params) *Normalizer {
	validator := validation.NewValidator(params.Resampler)
	if params.OverlapThreshold != 0 {
		validator.Threshold = params.OverlapThreshold
	}
	validator.Snapshots = params.Snapshots

	policy := params.ValidationPolicy
	if policy == "" {
		policy = FailFast
	}

	return &Normalizer{
		registration: params.Registration,
		initializer:  params.Initializer,
		templates:    params.Templates,
		settings:     params.Settings,
		validator:    validator,
		policy:       policy,
		workDir:      params.WorkDir,
		runID:        params.RunID,
	}
}

// attemptOutcome is the classified result of one preset attempt.
type attemptOutcome struct {
	kind        Outcome
	outputs     engine.Outputs
	report      *validation.Report
	err         error
	recoverable bool
}

func (o attemptOutcome) succeeded() bool {
	return o.kind == OutcomeSuccess
}

// Run normalizes req. An accepted registration returns a Result with a zero
// ReturnCode and a nil error. Once presets have been attempted, a failure
// returns both the error and a Result holding the attempts made, so callers
// can still report them.
func (n *Normalizer) Run(ctx context.Context, req *models.Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, &ConfigurationError{Reason: "invalid request", Err: err}
	}
	req, err := absoluteRequest(req)
	if err != nil {
		return nil, &ConfigurationError{Reason: "invalid input path", Err: err}
	}
	if err := n.prepare(); err != nil {
		return nil, err
	}

	runID := n.runID
	if runID == uuid.Nil {
		runID = uuid.New()
	}
	logger := log.With().Str("run_id", runID.String()).Logger()

	presets, err := n.settings.Resolve(req)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve registration presets: %w", err)
	}

	base, err := n.configure(req)
	if err != nil {
		return nil, err
	}

	if base.InitialMovingTransform == "" {
		transform, err := n.initializer.Initialize(ctx, engine.InitRequest{
			FixedImage:  base.FixedImages[0],
			MovingImage: base.MovingImages[0],
			NumThreads:  req.NumThreads,
			WorkDir:     n.workDir,
		})
		if err != nil {
			return nil, &InitializationError{Err: err}
		}
		base.InitialMovingTransform = transform
	}

	result := &Result{RunID: runID}
	var last error
	for i, preset := range presets {
		record, outcome := n.attempt(ctx, logger, req, base, i, preset)
		result.Attempts = append(result.Attempts, record)

		if outcome.succeeded() {
			result.ReturnCode = 0
			result.Outputs = outcome.outputs
			result.Validation = outcome.report
			logger.Info().
				Int("retry", i).
				Str("preset", preset).
				Msg("Successful spatial normalization")
			return result, nil
		}
		if !outcome.recoverable {
			result.Validation = outcome.report
			return result.failed(outcome.err)
		}
		last = outcome.err
	}

	attempts := len(result.Attempts)
	retries := attempts - 1
	if attempts == 0 {
		retries = 0
	}
	return result.failed(&ExhaustedRetriesError{Retries: retries, Attempts: attempts, Last: last})
}

// prepare fills in run defaults and checks collaborators.
func (n *Normalizer) prepare() error {
	switch {
	case n.registration == nil:
		return errors.New("normalizer has no registration engine")
	case n.initializer == nil:
		return errors.New("normalizer has no affine initializer")
	case n.templates == nil:
		return errors.New("normalizer has no template resolver")
	case n.settings == nil:
		return errors.New("normalizer has no settings resolver")
	case n.validator.Resampler == nil:
		return errors.New("normalizer has no resampler")
	}
	switch n.policy {
	case FailFast, NextPreset:
	default:
		return fmt.Errorf("unknown validation policy %q", n.policy)
	}
	if t := n.validator.Threshold; t <= 0 || t >= 100 {
		return fmt.Errorf("overlap threshold must be in (0, 100), got %g", t)
	}

	dir := n.workDir
	if dir == "" {
		dir = "."
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create working directory: %w", err)
	}
	n.workDir = dir
	return nil
}

// attempt runs one preset and archives the engine logs whatever the outcome.
func (n *Normalizer) attempt(ctx context.Context, logger zerolog.Logger, req *models.Request, base engine.Invocation, index int, preset string) (AttemptRecord, attemptOutcome) {
	record := AttemptRecord{Index: index, Preset: preset}
	start := time.Now()

	outcome := n.invoke(ctx, logger, base, index, preset, &record)
	record.StdoutLog, record.StderrLog = n.archiveLogs(logger, index)

	if outcome.succeeded() && req.MovingMask != "" {
		outcome = n.validate(ctx, req, outcome)
	}

	record.Duration = time.Since(start)
	record.Outcome = outcome.kind
	if outcome.succeeded() {
		outputs := outcome.outputs
		record.Outputs = &outputs
	} else {
		record.Error = outcome.err.Error()
	}
	return record, outcome
}

// invoke layers the preset onto base and runs the engine. Every failure here
// is recoverable.
func (n *Normalizer) invoke(ctx context.Context, logger zerolog.Logger, base engine.Invocation, index int, preset string, record *AttemptRecord) attemptOutcome {
	logger.Info().Str("preset", preset).Msg("Loading settings from file")

	params, err := engine.LoadParameters(preset)
	if err != nil {
		logger.Warn().Err(err).Int("retry", index).Msg("Retry failed")
		return attemptOutcome{kind: OutcomeEngineFailure, err: err, recoverable: true}
	}
	inv, err := base.WithPreset(preset, params)
	if err != nil {
		logger.Warn().Err(err).Int("retry", index).Msg("Retry failed")
		return attemptOutcome{kind: OutcomeEngineFailure, err: err, recoverable: true}
	}

	record.CommandLine = n.registration.CommandLine(inv)
	logger.Info().
		Int("retry", index).
		Str("command_line", record.CommandLine).
		Msg("Running registration")

	outputs, err := n.registration.Run(ctx, inv)
	if err != nil {
		logger.Warn().Err(err).Int("retry", index).Msg("Retry failed")
		return attemptOutcome{kind: OutcomeEngineFailure, err: err, recoverable: true}
	}
	return attemptOutcome{kind: OutcomeSuccess, outputs: outputs}
}

// validate checks an engine success. Whether a rejection is recoverable
// depends on the validation policy; a check that cannot run is always fatal.
func (n *Normalizer) validate(ctx context.Context, req *models.Request, outcome attemptOutcome) attemptOutcome {
	target, err := n.targetMask(req)
	if err != nil {
		return attemptOutcome{kind: OutcomeValidationError, err: fmt.Errorf("failed to resolve validation mask: %w", err)}
	}
	if outcome.outputs.CompositeTransform == "" {
		return attemptOutcome{kind: OutcomeValidationError, err: errors.New("registration produced no composite transform to validate")}
	}

	report, err := n.validator.Validate(ctx, validation.Input{
		MovingMask: req.MovingMask,
		TargetMask: target,
		Transforms: []string{outcome.outputs.CompositeTransform},
		WorkDir:    n.workDir,
	})
	outcome.report = report

	var rejection *validation.RejectionError
	switch {
	case err == nil:
		return outcome
	case errors.As(err, &rejection):
		outcome.kind = OutcomeRejected
		outcome.err = err
		outcome.recoverable = n.policy == NextPreset
		return outcome
	}
	return attemptOutcome{kind: OutcomeValidationError, err: fmt.Errorf("failed to validate normalization: %w", err)}
}

// archiveLogs moves the engine logs of attempt index to "{name}.%03d". Missing
// logs and existing archives are reported and skipped.
func (n *Normalizer) archiveLogs(logger zerolog.Logger, index int) (stdout, stderr string) {
	logs := n.registration.LogFiles()
	archived := make([]string, 2)
	for i, name := range []string{logs.Stdout, logs.Stderr} {
		src := filepath.Join(n.workDir, name)
		dst := fmt.Sprintf("%s.%03d", src, index)
		if _, err := os.Stat(dst); err == nil {
			logger.Warn().Str("archive", dst).Msg("Log archive already exists, not overwriting")
			continue
		}
		if err := os.Rename(src, dst); err != nil {
			logger.Warn().Err(err).Str("log", src).Msg("Failed to archive engine log")
			continue
		}
		archived[i] = dst
	}
	return archived[0], archived[1]
}
