// Package validation checks that a registration result is anatomically plausible
// by measuring how much of the normalized moving mask lands inside the
// reference mask.
package validation

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"

	"robustmni/internal/models"
	"robustmni/pkg/engine"
	"robustmni/pkg/nifti"
	"robustmni/pkg/visualization"
)

// DefaultThreshold is the overlap percentage a result must exceed.
const DefaultThreshold = 50.0

// SnapshotName is the QC image written when snapshots are enabled.
const SnapshotName = "qc_overlap.png"

// Input names the files a validation needs.
type Input struct {
	// MovingMask is the brain mask in moving-image space
	MovingMask string

	// TargetMask is the brain mask in reference space
	TargetMask string

	// Transforms map moving space to reference space
	Transforms []string

	WorkDir string
}

// Report is the outcome of a validation.
type Report struct {
	Accepted      bool    `yaml:"accepted"`
	Overlap       float64 `yaml:"overlapPercent"`
	Threshold     float64 `yaml:"thresholdPercent"`
	MovingVoxels  int     `yaml:"movingVoxels"`
	OverlapVoxels int     `yaml:"overlapVoxels"`
	ResampledMask string  `yaml:"resampledMask"`
	TargetMask    string  `yaml:"targetMask"`
	Snapshot      string  `yaml:"snapshot,omitempty"`
}

// RejectionError reports a result whose overlap did not exceed the threshold.
type RejectionError struct {
	Overlap   float64
	Threshold float64
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("normalization failed: only %g%% of the normalized moving image mask overlaps with the reference image mask (need more than %g%%)",
		e.Overlap, e.Threshold)
}

// Validator resamples the moving mask with the computed transform and measures
// its overlap with the target mask.
type Validator struct {
	Resampler engine.Resampler

	// Threshold is the overlap percentage to exceed
	Threshold float64

	// Snapshots enables writing a QC overlay image into the working directory
	Snapshots bool
}

// NewValidator creates a validator with the default threshold.
func NewValidator(resampler engine.Resampler) *Validator {
	return &Validator{Resampler: resampler, Threshold: DefaultThreshold}
}

// Validate runs the check. A rejected result returns both the report and a
// *RejectionError; other errors mean the check itself could not run.
func (v *Validator) Validate(ctx context.Context, in Input) (*Report, error) {
	resampled, err := v.Resampler.Apply(ctx, engine.ApplyRequest{
		Dimension:      3,
		InputImage:     in.MovingMask,
		ReferenceImage: in.TargetMask,
		Transforms:     in.Transforms,
		Interpolation:  engine.NearestNeighbor,
		WorkDir:        in.WorkDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resample moving mask: %w", err)
	}

	moving, err := nifti.Load(resampled)
	if err != nil {
		return nil, fmt.Errorf("failed to load resampled mask: %w", err)
	}
	target, err := nifti.Load(in.TargetMask)
	if err != nil {
		return nil, fmt.Errorf("failed to load target mask: %w", err)
	}

	overlap, movingCount, overlapCount, err := Overlap(moving, target)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Accepted:      Accept(overlap, v.Threshold),
		Overlap:       overlap,
		Threshold:     v.Threshold,
		MovingVoxels:  movingCount,
		OverlapVoxels: overlapCount,
		ResampledMask: resampled,
		TargetMask:    in.TargetMask,
	}

	if v.Snapshots {
		report.Snapshot = v.writeSnapshot(target, moving, in.WorkDir)
	}

	log.Info().
		Float64("overlap_percent", overlap).
		Int("moving_voxels", movingCount).
		Int("overlap_voxels", overlapCount).
		Bool("accepted", report.Accepted).
		Msg("Mask overlap computed")

	if !report.Accepted {
		return report, &RejectionError{Overlap: overlap, Threshold: v.Threshold}
	}
	return report, nil
}

// writeSnapshot renders the central axial slice; failures only warn.
func (v *Validator) writeSnapshot(target, moving *models.Volume, dir string) string {
	img, err := visualization.NewViewer(target).Overlay(moving, "z", target.Depth/2)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to render QC snapshot")
		return ""
	}
	path := filepath.Join(dir, SnapshotName)
	if err := visualization.SaveSlice(img, path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to write QC snapshot")
		return ""
	}
	return path
}

// Overlap returns the percentage of nonzero moving voxels that are also nonzero
// in target, along with both counts. An empty moving mask has zero overlap.
func Overlap(moving, target *models.Volume) (percent float64, movingCount, overlapCount int, err error) {
	if err := moving.CheckGrid(target); err != nil {
		return 0, 0, 0, fmt.Errorf("resampled mask does not match the target grid: %w", err)
	}

	a := moving.Binarize()
	b := target.Binarize()
	both := floats.Dot(a, b)
	total := floats.Sum(a)
	if total == 0 {
		return 0, 0, 0, nil
	}
	return both / total * 100, int(total), int(both), nil
}

// Accept reports whether overlap strictly exceeds threshold.
func Accept(overlap, threshold float64) bool {
	return overlap > threshold
}
