package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultTransformPrefix = "transform"
	defaultMetricBins      = 32
	defaultConvergence     = 1e-6
	defaultWindowSize      = 10
)

// ANTsRegistration runs antsRegistration as a subprocess. Standard output and
// standard error are written to the configured log files in the working directory.
type ANTsRegistration struct {
	Binary string
	Logs   LogFiles
}

// NewANTsRegistration creates a registration runner. Empty arguments select
// "antsRegistration" on PATH and DefaultLogFiles.
func NewANTsRegistration(binary string, logs LogFiles) *ANTsRegistration {
	if binary == "" {
		binary = "antsRegistration"
	}
	if logs.Stdout == "" {
		logs.Stdout = DefaultLogFiles.Stdout
	}
	if logs.Stderr == "" {
		logs.Stderr = DefaultLogFiles.Stderr
	}
	return &ANTsRegistration{Binary: binary, Logs: logs}
}

// LogFiles implements Registration.
func (a *ANTsRegistration) LogFiles() LogFiles {
	return a.Logs
}

// CommandLine implements Registration.
func (a *ANTsRegistration) CommandLine(inv Invocation) string {
	args, err := a.Args(inv)
	if err != nil {
		return fmt.Sprintf("%s <invalid: %v>", a.Binary, err)
	}
	return a.Binary + " " + strings.Join(args, " ")
}

// Run implements Registration.
func (a *ANTsRegistration) Run(ctx context.Context, inv Invocation) (Outputs, error) {
	stdout, err := os.Create(filepath.Join(inv.WorkDir, a.Logs.Stdout))
	if err != nil {
		return Outputs{}, fmt.Errorf("failed to create stdout log: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(inv.WorkDir, a.Logs.Stderr))
	if err != nil {
		return Outputs{}, fmt.Errorf("failed to create stderr log: %w", err)
	}
	defer stderr.Close()

	args, err := a.Args(inv)
	if err != nil {
		fmt.Fprintf(stderr, "invalid invocation: %v\n", err)
		return Outputs{}, err
	}

	path, err := exec.LookPath(a.Binary)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return Outputs{}, fmt.Errorf("%s not found in PATH: %w", a.Binary, err)
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = inv.WorkDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = threadEnv(inv.NumThreads)
	err = cmd.Run()
	elapsed := time.Since(start)
	if err != nil {
		log.Debug().
			Err(err).
			Str("preset", inv.Preset).
			Dur("duration", elapsed).
			Msg("antsRegistration exited with error")
		return Outputs{}, fmt.Errorf("%s failed: %w", a.Binary, err)
	}

	log.Debug().
		Str("preset", inv.Preset).
		Dur("duration", elapsed).
		Msg("antsRegistration finished")

	return a.collectOutputs(inv, start)
}

// collectOutputs lists the declared outputs and checks that they were written.
// Other files under the output prefix count as outputs only when they were
// modified after since, so leftovers in a shared working directory are skipped.
func (a *ANTsRegistration) collectOutputs(inv Invocation, since time.Time) (Outputs, error) {
	p := inv.Parameters
	prefix := filepath.Join(inv.WorkDir, transformPrefix(p))

	var out Outputs
	if inv.WriteCompositeTransform {
		out.CompositeTransform = prefix + "Composite.h5"
		out.InverseCompositeTransform = prefix + "InverseComposite.h5"
	}
	if p.OutputWarpedImage != "" {
		out.WarpedImage = filepath.Join(inv.WorkDir, p.OutputWarpedImage)
	}
	if p.OutputInverseWarpedImage != "" {
		out.InverseWarpedImage = filepath.Join(inv.WorkDir, p.OutputInverseWarpedImage)
	}

	declared := map[string]bool{}
	for _, f := range []string{out.CompositeTransform, out.InverseCompositeTransform, out.WarpedImage, out.InverseWarpedImage} {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); err != nil {
			return Outputs{}, fmt.Errorf("expected output missing: %w", err)
		}
		declared[f] = true
	}

	matches, err := filepath.Glob(prefix + "*")
	if err != nil {
		return Outputs{}, err
	}
	sort.Strings(matches)
	// coarse filesystem timestamps round down to the second
	since = since.Truncate(time.Second)
	for _, m := range matches {
		if declared[m] {
			continue
		}
		info, err := os.Stat(m)
		if err != nil || info.IsDir() || info.ModTime().Before(since) {
			continue
		}
		if out.Extra == nil {
			out.Extra = map[string]string{}
		}
		out.Extra[strings.TrimPrefix(filepath.Base(m), transformPrefix(p))] = m
	}
	return out, nil
}

func transformPrefix(p Parameters) string {
	if p.OutputTransformPrefix != "" {
		return p.OutputTransformPrefix
	}
	return defaultTransformPrefix
}

// Args builds the antsRegistration argument list.
func (a *ANTsRegistration) Args(inv Invocation) ([]string, error) {
	if len(inv.MovingImages) == 0 || len(inv.FixedImages) == 0 {
		return nil, fmt.Errorf("moving and fixed images are required")
	}
	p := inv.Parameters
	if err := p.Validate(); err != nil {
		return nil, err
	}

	dim := p.Dimension
	if dim == 0 {
		dim = 3
	}
	args := []string{"--dimensionality", strconv.Itoa(dim)}

	if p.Float != nil {
		args = append(args, "--float", flag01(*p.Float))
	}
	collapse := true
	if p.CollapseOutputTransforms != nil {
		collapse = *p.CollapseOutputTransforms
	}
	args = append(args, "--collapse-output-transforms", flag01(collapse))
	if p.InitializeTransformsPerStage != nil {
		args = append(args, "--initialize-transforms-per-stage", flag01(*p.InitializeTransformsPerStage))
	}
	if inv.InitialMovingTransform != "" {
		args = append(args, "--initial-moving-transform", bracket(inv.InitialMovingTransform, "0"))
	}

	interp := p.Interpolation
	if interp == "" {
		interp = Linear
	}
	args = append(args, "--interpolation", interp)

	output := []string{transformPrefix(p)}
	if p.OutputWarpedImage != "" {
		output = append(output, p.OutputWarpedImage)
		if p.OutputInverseWarpedImage != "" {
			output = append(output, p.OutputInverseWarpedImage)
		}
	}
	args = append(args, "--output", bracket(output...))

	for i := 0; i < p.Stages(); i++ {
		args = append(args, "--transform", fmt.Sprintf("%s%s", p.Transforms[i], bracket(joinFloats(p.TransformParameters[i], ", "))))
		for j, moving := range inv.MovingImages {
			fixed := inv.FixedImages[min(j, len(inv.FixedImages)-1)]
			args = append(args, "--metric", p.metric(i, fixed, moving))
		}

		threshold := defaultConvergence
		if i < len(p.ConvergenceThreshold) {
			threshold = p.ConvergenceThreshold[i]
		}
		window := defaultWindowSize
		if i < len(p.ConvergenceWindowSize) {
			window = p.ConvergenceWindowSize[i]
		}
		args = append(args, "--convergence", bracket(
			joinInts(p.NumberOfIterations[i], "x"),
			strconv.FormatFloat(threshold, 'g', -1, 64),
			strconv.Itoa(window)))

		units := "vox"
		if i < len(p.SigmaUnits) && p.SigmaUnits[i] != "" {
			units = p.SigmaUnits[i]
		}
		args = append(args, "--smoothing-sigmas", joinFloats(p.SmoothingSigmas[i], "x")+units)
		args = append(args, "--shrink-factors", joinInts(p.ShrinkFactors[i], "x"))

		if v, ok := p.UseEstimateLearningRateOnce.At(i); ok {
			args = append(args, "--use-estimate-learning-rate-once", flag01(v))
		}
		if v, ok := p.UseHistogramMatching.At(i); ok {
			args = append(args, "--use-histogram-matching", flag01(v))
		}
	}

	if inv.FixedMask != "" || inv.MovingMask != "" {
		args = append(args, "--masks", bracket(orNull(inv.FixedMask), orNull(inv.MovingMask)))
	}
	if p.WinsorizeLowerQuantile != nil || p.WinsorizeUpperQuantile != nil {
		lower, upper := 0.0, 1.0
		if p.WinsorizeLowerQuantile != nil {
			lower = *p.WinsorizeLowerQuantile
		}
		if p.WinsorizeUpperQuantile != nil {
			upper = *p.WinsorizeUpperQuantile
		}
		args = append(args, "--winsorize-image-intensities", bracket(
			strconv.FormatFloat(lower, 'g', -1, 64),
			strconv.FormatFloat(upper, 'g', -1, 64)))
	}
	args = append(args, "--write-composite-transform", flag01(inv.WriteCompositeTransform))
	if p.Verbose != nil && *p.Verbose {
		args = append(args, "--verbose", "1")
	}
	return args, nil
}

// metric renders the similarity metric of stage i for one image pair.
func (p Parameters) metric(i int, fixed, moving string) string {
	weight := 1.0
	if i < len(p.MetricWeight) {
		weight = p.MetricWeight[i]
	}
	bins := defaultMetricBins
	if i < len(p.RadiusOrNumberOfBins) {
		bins = p.RadiusOrNumberOfBins[i]
	}
	fields := []string{fixed, moving, strconv.FormatFloat(weight, 'g', -1, 64), strconv.Itoa(bins)}
	if i < len(p.SamplingStrategy) && p.SamplingStrategy[i] != nil {
		fields = append(fields, *p.SamplingStrategy[i])
		if i < len(p.SamplingPercentage) && p.SamplingPercentage[i] != nil {
			fields = append(fields, strconv.FormatFloat(*p.SamplingPercentage[i], 'g', -1, 64))
		}
	}
	return p.Metric[i] + bracket(fields...)
}

func bracket(fields ...string) string {
	return "[ " + strings.Join(fields, ", ") + " ]"
}

func joinFloats(values []float64, sep string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, sep)
}

func joinInts(values []int, sep string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, sep)
}

func flag01(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func orNull(path string) string {
	if path == "" {
		return "NULL"
	}
	return path
}

// threadEnv passes the thread budget to ITK-based tools.
func threadEnv(threads int) []string {
	env := os.Environ()
	if threads > 0 {
		env = append(env, "ITK_GLOBAL_DEFAULT_NUMBER_OF_THREADS="+strconv.Itoa(threads))
	}
	return env
}
