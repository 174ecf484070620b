package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// InitialTransformName is the file antsAffineInitializer writes into the
// working directory. It must not share the registration output prefix.
const InitialTransformName = "initial_transform.mat"

// ANTsAffineInitializer runs antsAffineInitializer with the search settings the
// registration presets were tuned against.
type ANTsAffineInitializer struct {
	Binary string
}

// Initialize implements AffineInitializer.
func (a *ANTsAffineInitializer) Initialize(ctx context.Context, req InitRequest) (string, error) {
	out := filepath.Join(req.WorkDir, InitialTransformName)
	args := []string{
		"3", req.FixedImage, req.MovingImage, out,
		"15.000000", // search factor (degrees)
		"0.100000",  // radian fraction
		"0",         // principal axes
		"10",        // local search iterations
	}
	if err := runTool(ctx, binaryOr(a.Binary, "antsAffineInitializer"), args, req.WorkDir, req.NumThreads); err != nil {
		return "", err
	}
	if _, err := os.Stat(out); err != nil {
		return "", fmt.Errorf("initial transform was not written: %w", err)
	}
	return out, nil
}

// ANTsApplyTransforms runs antsApplyTransforms.
type ANTsApplyTransforms struct {
	Binary string
}

// Apply implements Resampler. The output is written into the working
// directory as <input>_trans.nii.gz.
func (a *ANTsApplyTransforms) Apply(ctx context.Context, req ApplyRequest) (string, error) {
	if len(req.Transforms) == 0 {
		return "", fmt.Errorf("at least one transform is required")
	}
	dim := req.Dimension
	if dim == 0 {
		dim = 3
	}
	interp := req.Interpolation
	if interp == "" {
		interp = Linear
	}
	out := filepath.Join(req.WorkDir, stripImageExt(filepath.Base(req.InputImage))+"_trans.nii.gz")

	args := []string{
		"--default-value", "0",
		"--dimensionality", strconv.Itoa(dim),
		"--input", req.InputImage,
		"--interpolation", interp,
		"--output", out,
		"--reference-image", req.ReferenceImage,
	}
	for _, t := range req.Transforms {
		args = append(args, "--transform", t)
	}

	if err := runTool(ctx, binaryOr(a.Binary, "antsApplyTransforms"), args, req.WorkDir, 1); err != nil {
		return "", err
	}
	if _, err := os.Stat(out); err != nil {
		return "", fmt.Errorf("resampled image was not written: %w", err)
	}
	return out, nil
}

// runTool runs a short-lived engine helper and folds its output into the error.
func runTool(ctx context.Context, binary string, args []string, dir string, threads int) error {
	path, err := exec.LookPath(binary)
	if err != nil {
		return fmt.Errorf("%s not found in PATH: %w", binary, err)
	}

	log.Debug().
		Str("binary", path).
		Strs("args", args).
		Msg("Running engine tool")

	start := time.Now()
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = dir
	cmd.Env = threadEnv(threads)
	output, err := cmd.CombinedOutput()
	elapsed := time.Since(start)
	if err != nil {
		log.Warn().
			Err(err).
			Str("binary", binary).
			Str("output", string(output)).
			Dur("duration", elapsed).
			Msg("Engine tool failed")
		return fmt.Errorf("%s failed: %w\nOutput: %s", binary, err, string(output))
	}

	log.Debug().
		Str("binary", binary).
		Dur("duration", elapsed).
		Msg("Engine tool finished")
	return nil
}

func binaryOr(binary, fallback string) string {
	if binary == "" {
		return fallback
	}
	return binary
}

func stripImageExt(name string) string {
	for _, ext := range []string{".nii.gz", ".nii", ".mgz"} {
		if strings.HasSuffix(name, ext) {
			return strings.TrimSuffix(name, ext)
		}
	}
	return strings.TrimSuffix(name, filepath.Ext(name))
}
