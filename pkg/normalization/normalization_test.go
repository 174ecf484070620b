package normalization

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"robustmni/internal/models"
	"robustmni/pkg/engine"
	"robustmni/pkg/nifti"
	"robustmni/pkg/settings"
	"robustmni/pkg/templates"
	"robustmni/pkg/validation"
)

// inWorkDir reports whether path exists when resolved the way a tool running
// inside workDir would resolve it.
func inWorkDir(workDir, path string) error {
	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}
	_, err := os.Stat(path)
	return err
}

// fakeRegistration writes both engine logs on every call and fails the calls
// listed in fail or whose inputs cannot be found from the working directory.
type fakeRegistration struct {
	fail  map[int]bool
	calls []engine.Invocation
}

func (f *fakeRegistration) Run(ctx context.Context, inv engine.Invocation) (engine.Outputs, error) {
	call := len(f.calls)
	f.calls = append(f.calls, inv)

	logs := f.LogFiles()
	if err := os.WriteFile(filepath.Join(inv.WorkDir, logs.Stdout), []byte(fmt.Sprintf("stdout of call %d", call)), 0644); err != nil {
		return engine.Outputs{}, err
	}
	if err := os.WriteFile(filepath.Join(inv.WorkDir, logs.Stderr), []byte(fmt.Sprintf("stderr of call %d", call)), 0644); err != nil {
		return engine.Outputs{}, err
	}
	if f.fail[call] {
		return engine.Outputs{}, fmt.Errorf("antsRegistration failed: exit status 1")
	}
	inputs := append(append([]string{}, inv.MovingImages...), inv.FixedImages...)
	for _, path := range append(inputs, inv.MovingMask, inv.FixedMask) {
		if path == "" {
			continue
		}
		if err := inWorkDir(inv.WorkDir, path); err != nil {
			return engine.Outputs{}, err
		}
	}

	composite := filepath.Join(inv.WorkDir, "transformComposite.h5")
	inverse := filepath.Join(inv.WorkDir, "transformInverseComposite.h5")
	for _, path := range []string{composite, inverse} {
		if err := os.WriteFile(path, []byte("h5"), 0644); err != nil {
			return engine.Outputs{}, err
		}
	}
	return engine.Outputs{CompositeTransform: composite, InverseCompositeTransform: inverse}, nil
}

func (f *fakeRegistration) CommandLine(inv engine.Invocation) string {
	return "antsRegistration --preset " + filepath.Base(inv.Preset)
}

func (f *fakeRegistration) LogFiles() engine.LogFiles {
	return engine.DefaultLogFiles
}

type fakeInitializer struct {
	err   error
	calls []engine.InitRequest
}

func (f *fakeInitializer) Initialize(ctx context.Context, req engine.InitRequest) (string, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return "", f.err
	}
	out := filepath.Join(req.WorkDir, engine.InitialTransformName)
	return out, os.WriteFile(out, []byte("affine"), 0644)
}

// fakeResampler returns the prepared volumes in order, repeating the last one.
type fakeResampler struct {
	outputs []*models.Volume
	calls   []engine.ApplyRequest
}

func (f *fakeResampler) Apply(ctx context.Context, req engine.ApplyRequest) (string, error) {
	vol := f.outputs[min(len(f.calls), len(f.outputs)-1)]
	f.calls = append(f.calls, req)
	if err := inWorkDir(req.WorkDir, req.InputImage); err != nil {
		return "", err
	}
	out := filepath.Join(req.WorkDir, fmt.Sprintf("mask_trans_%d.nii.gz", len(f.calls)))
	return out, nifti.Save(vol, out)
}

// resampledMask has inside voxels within the template brain mask (the z=0
// plane) and outside voxels beyond it.
func resampledMask(inside, outside int) *models.Volume {
	vol := models.NewVolume(10, 10, 2)
	for i := 0; i < inside; i++ {
		vol.Data[i] = 1
	}
	for i := 0; i < outside; i++ {
		vol.Data[100+i] = 1
	}
	return vol
}

type fixture struct {
	root         string
	catalog      string
	workDir      string
	templateRoot string
	moving       []string
	movingMask   string

	registration *fakeRegistration
	initializer  *fakeInitializer
	resampler    *fakeResampler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		root:         root,
		catalog:      filepath.Join(root, "presets"),
		workDir:      filepath.Join(root, "work"),
		templateRoot: filepath.Join(root, "templates"),
		registration: &fakeRegistration{fail: map[int]bool{}},
		initializer:  &fakeInitializer{},
		resampler:    &fakeResampler{outputs: []*models.Volume{resampledMask(100, 0)}},
	}
	require.NoError(t, os.MkdirAll(f.catalog, 0755))

	dataset := filepath.Join(f.templateRoot, models.TemplateICBM152Linear)
	require.NoError(t, os.MkdirAll(dataset, 0755))
	for _, res := range []int{1, 2} {
		image := models.NewVolume(10, 10, 2)
		brain := models.NewVolume(10, 10, 2)
		for i := range image.Data {
			image.Data[i] = float64(i + 1)
			if i < 100 {
				brain.Data[i] = 1
			}
		}
		require.NoError(t, nifti.Save(image, filepath.Join(dataset, fmt.Sprintf("%dmm_T1.nii.gz", res))))
		require.NoError(t, nifti.Save(brain, filepath.Join(dataset, fmt.Sprintf("%dmm_brainmask.nii.gz", res))))
	}

	for i := 0; i < 2; i++ {
		vol := models.NewVolume(10, 10, 2)
		for j := range vol.Data {
			vol.Data[j] = float64(10*i + j)
		}
		path := filepath.Join(root, fmt.Sprintf("sub-01_run-%d_T1w.nii.gz", i+1))
		require.NoError(t, nifti.Save(vol, path))
		f.moving = append(f.moving, path)
	}

	mask := models.NewVolume(10, 10, 2)
	for i := 0; i < 120; i++ {
		mask.Data[i] = 1
	}
	f.movingMask = filepath.Join(root, "sub-01_brainmask.nii.gz")
	require.NoError(t, nifti.Save(mask, f.movingMask))
	return f
}

// preset writes a single-stage preset with the given transform into the catalog.
func (f *fixture) preset(t *testing.T, name, transform string, verbose bool) string {
	t.Helper()
	extra := ""
	if verbose {
		extra = `, "verbose": true`
	}
	body := fmt.Sprintf(`{
  "transforms": [%q],
  "transform_parameters": [[0.1]],
  "number_of_iterations": [[100, 50]],
  "metric": ["Mattes"],
  "smoothing_sigmas": [[2, 1]],
  "shrink_factors": [[2, 1]]%s
}`, transform, extra)
	path := filepath.Join(f.catalog, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func (f *fixture) normalizer(policy ValidationPolicy) *Normalizer {
	return NewNormalizer(&Params{
		Registration:     f.registration,
		Initializer:      f.initializer,
		Resampler:        f.resampler,
		Templates:        templates.NewResolver(f.templateRoot),
		Settings:         settings.NewResolver(f.catalog),
		WorkDir:          f.workDir,
		ValidationPolicy: policy,
	})
}

func (f *fixture) request() *models.Request {
	req := models.NewRequest(f.moving...)
	req.NumThreads = 2
	req.Flavor = models.FlavorFast
	req.MovingMask = f.movingMask
	return req
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestRunFallsBackToSecondPreset(t *testing.T) {
	f := newFixture(t)
	f.preset(t, "t1-mni_registration_fast_01.json", "Rigid", true)
	f.preset(t, "t1-mni_registration_fast_02.json", "Affine", false)
	f.preset(t, "t1-mni_registration_precise_01.json", "SyN", false)
	f.registration.fail[0] = true
	f.resampler.outputs = []*models.Volume{resampledMask(73, 27)}

	result, err := f.normalizer(FailFast).Run(context.Background(), f.request())
	require.NoError(t, err)

	require.Len(t, f.registration.calls, 2)
	assert.Equal(t, "t1-mni_registration_fast_01.json", filepath.Base(f.registration.calls[0].Preset))
	assert.Equal(t, "t1-mni_registration_fast_02.json", filepath.Base(f.registration.calls[1].Preset))

	for i := 0; i < 2; i++ {
		suffix := fmt.Sprintf(".%03d", i)
		assert.Equal(t, fmt.Sprintf("stdout of call %d", i), readFile(t, filepath.Join(f.workDir, "stdout.nipype"+suffix)))
		assert.Equal(t, fmt.Sprintf("stderr of call %d", i), readFile(t, filepath.Join(f.workDir, "stderr.nipype"+suffix)))
	}
	assert.NoFileExists(t, filepath.Join(f.workDir, "stdout.nipype"))
	assert.NoFileExists(t, filepath.Join(f.workDir, "stderr.nipype"))

	require.Len(t, result.Attempts, 2)
	assert.Equal(t, 1, result.Retries())
	assert.Equal(t, 0, result.Attempts[0].Index)
	assert.Equal(t, OutcomeEngineFailure, result.Attempts[0].Outcome)
	assert.Contains(t, result.Attempts[0].Error, "exit status 1")
	assert.Nil(t, result.Attempts[0].Outputs)
	assert.Equal(t, 1, result.Attempts[1].Index)
	assert.Equal(t, OutcomeSuccess, result.Attempts[1].Outcome)
	assert.Equal(t, filepath.Join(f.workDir, "stdout.nipype.001"), result.Attempts[1].StdoutLog)
	assert.Equal(t, "antsRegistration --preset t1-mni_registration_fast_02.json", result.Attempts[1].CommandLine)

	assert.Equal(t, 0, result.ReturnCode)
	assert.NotEqual(t, uuid.Nil, result.RunID)
	assert.Equal(t, filepath.Join(f.workDir, "transformComposite.h5"), result.Outputs.CompositeTransform)
	require.NotNil(t, result.Validation)
	assert.True(t, result.Validation.Accepted)
	assert.InDelta(t, 73.0, result.Validation.Overlap, 1e-9)

	brainMask := filepath.Join(f.templateRoot, models.TemplateICBM152Linear, "1mm_brainmask.nii.gz")
	require.Len(t, f.resampler.calls, 1)
	assert.Equal(t, f.movingMask, f.resampler.calls[0].InputImage)
	assert.Equal(t, brainMask, f.resampler.calls[0].ReferenceImage)
	assert.Equal(t, []string{result.Outputs.CompositeTransform}, f.resampler.calls[0].Transforms)
	assert.Equal(t, engine.NearestNeighbor, f.resampler.calls[0].Interpolation)
}

func TestRunConfiguresExplicitMasking(t *testing.T) {
	f := newFixture(t)
	f.preset(t, "t1-mni_registration_fast_01.json", "Rigid", false)

	_, err := f.normalizer(FailFast).Run(context.Background(), f.request())
	require.NoError(t, err)

	movingMasked := filepath.Join(f.workDir, MovingMaskedName)
	fixedMasked := filepath.Join(f.workDir, FixedMaskedName)
	require.Len(t, f.registration.calls, 1)
	inv := f.registration.calls[0]
	assert.Equal(t, []string{movingMasked, f.moving[1]}, inv.MovingImages)
	assert.Equal(t, []string{fixedMasked}, inv.FixedImages)
	assert.Empty(t, inv.MovingMask)
	assert.Empty(t, inv.FixedMask)
	assert.Equal(t, 2, inv.NumThreads)
	assert.True(t, inv.WriteCompositeTransform)
	assert.Equal(t, filepath.Join(f.workDir, engine.InitialTransformName), inv.InitialMovingTransform)

	require.Len(t, f.initializer.calls, 1)
	assert.Equal(t, fixedMasked, f.initializer.calls[0].FixedImage)
	assert.Equal(t, movingMasked, f.initializer.calls[0].MovingImage)
	assert.Equal(t, 2, f.initializer.calls[0].NumThreads)

	masked, err := nifti.Load(fixedMasked)
	require.NoError(t, err)
	assert.Equal(t, 1.0, masked.Data[0])
	assert.Equal(t, 0.0, masked.Data[150])
}

func TestRunPassesMasksAsConstraints(t *testing.T) {
	f := newFixture(t)
	f.preset(t, "t1-mni_registration_fast_01.json", "Rigid", false)
	req := f.request()
	req.ExplicitMasking = false

	_, err := f.normalizer(FailFast).Run(context.Background(), req)
	require.NoError(t, err)

	dataset := filepath.Join(f.templateRoot, models.TemplateICBM152Linear)
	inv := f.registration.calls[0]
	assert.Equal(t, f.moving, inv.MovingImages)
	assert.Equal(t, f.movingMask, inv.MovingMask)
	assert.Equal(t, []string{filepath.Join(dataset, "1mm_T1.nii.gz")}, inv.FixedImages)
	assert.Equal(t, filepath.Join(dataset, "1mm_brainmask.nii.gz"), inv.FixedMask)
	assert.NoFileExists(t, filepath.Join(f.workDir, MovingMaskedName))
	assert.NoFileExists(t, filepath.Join(f.workDir, FixedMaskedName))
}

func TestRunStopsAtFirstSuccess(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 4; i++ {
		f.preset(t, fmt.Sprintf("t1-mni_registration_fast_%02d.json", i), "Rigid", false)
	}
	f.registration.fail[0] = true
	f.registration.fail[1] = true

	result, err := f.normalizer(FailFast).Run(context.Background(), f.request())
	require.NoError(t, err)

	assert.Len(t, f.registration.calls, 3)
	require.Len(t, result.Attempts, 3)
	for i, attempt := range result.Attempts {
		assert.Equal(t, i, attempt.Index)
	}
	assert.NoFileExists(t, filepath.Join(f.workDir, "stdout.nipype.003"))
}

func TestRunExhaustsPresets(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.preset(t, fmt.Sprintf("t1-mni_registration_fast_%02d.json", i), "Rigid", false)
		f.registration.fail[i] = true
	}

	result, err := f.normalizer(FailFast).Run(context.Background(), f.request())
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.ReturnCode)
	assert.Equal(t, err.Error(), result.Error)
	require.Len(t, result.Attempts, 3)
	assert.Equal(t, OutcomeEngineFailure, result.Attempts[2].Outcome)

	var exhausted *ExhaustedRetriesError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 2, exhausted.Retries)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Contains(t, err.Error(), "after 2 retries")
	assert.Len(t, f.registration.calls, 3)
	for i := 0; i < 3; i++ {
		assert.FileExists(t, filepath.Join(f.workDir, fmt.Sprintf("stderr.nipype.%03d", i)))
	}
	assert.Empty(t, f.resampler.calls)
}

func TestRunWithoutPresets(t *testing.T) {
	f := newFixture(t)
	f.preset(t, "t1-mni_registration_precise_01.json", "Rigid", false)

	_, err := f.normalizer(FailFast).Run(context.Background(), f.request())
	var exhausted *ExhaustedRetriesError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 0, exhausted.Attempts)
	assert.Empty(t, f.registration.calls)
}

func TestRunSkipsUnreadablePreset(t *testing.T) {
	f := newFixture(t)
	broken := filepath.Join(f.catalog, "t1-mni_registration_fast_00.json")
	require.NoError(t, os.WriteFile(broken, []byte("{not json"), 0644))
	f.preset(t, "t1-mni_registration_fast_01.json", "Rigid", false)

	result, err := f.normalizer(FailFast).Run(context.Background(), f.request())
	require.NoError(t, err)

	assert.Len(t, f.registration.calls, 1)
	require.Len(t, result.Attempts, 2)
	assert.Equal(t, OutcomeEngineFailure, result.Attempts[0].Outcome)
	assert.Empty(t, result.Attempts[0].StdoutLog)
	assert.Equal(t, filepath.Join(f.workDir, "stdout.nipype.001"), result.Attempts[1].StdoutLog)
}

func TestRunLayersPresetsOnFreshInvocation(t *testing.T) {
	f := newFixture(t)
	f.preset(t, "t1-mni_registration_fast_01.json", "Rigid", true)
	f.preset(t, "t1-mni_registration_fast_02.json", "Affine", false)
	f.registration.fail[0] = true

	_, err := f.normalizer(FailFast).Run(context.Background(), f.request())
	require.NoError(t, err)

	first, second := f.registration.calls[0], f.registration.calls[1]
	assert.Equal(t, []string{"Rigid"}, first.Parameters.Transforms)
	require.NotNil(t, first.Parameters.Verbose)
	assert.Equal(t, []string{"Affine"}, second.Parameters.Transforms)
	assert.Nil(t, second.Parameters.Verbose)
	assert.Equal(t, first.MovingImages, second.MovingImages)
}

func TestRunUserSettingsOverrideCatalog(t *testing.T) {
	f := newFixture(t)
	f.preset(t, "t1-mni_registration_fast_01.json", "Rigid", false)
	custom := filepath.Join(f.root, "custom.json")
	require.NoError(t, os.Rename(f.preset(t, "custom.json", "Affine", false), custom))

	req := f.request()
	req.Settings = []string{custom}
	result, err := f.normalizer(FailFast).Run(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, f.registration.calls, 1)
	assert.Equal(t, custom, f.registration.calls[0].Preset)
	assert.Equal(t, custom, result.Attempts[0].Preset)
}

func TestRunDeprecatedTestingFlag(t *testing.T) {
	f := newFixture(t)
	f.preset(t, "t1-mni_registration_fast_01.json", "SyN", false)
	f.preset(t, "t1-mni_registration_testing_000.json", "Rigid", false)
	req := f.request()
	req.Testing = true
	req.ExplicitMasking = false

	_, err := f.normalizer(FailFast).Run(context.Background(), req)
	require.NoError(t, err)

	dataset := filepath.Join(f.templateRoot, models.TemplateICBM152Linear)
	inv := f.registration.calls[0]
	assert.Equal(t, "t1-mni_registration_testing_000.json", filepath.Base(inv.Preset))
	assert.Equal(t, []string{filepath.Join(dataset, "2mm_T1.nii.gz")}, inv.FixedImages)
	assert.Equal(t, filepath.Join(dataset, "2mm_brainmask.nii.gz"), f.resampler.calls[0].ReferenceImage)
}

func TestRunLASRequiresReference(t *testing.T) {
	f := newFixture(t)
	f.preset(t, "t1-mni_registration_fast_01.json", "Rigid", false)
	req := f.request()
	req.Orientation = models.LAS

	_, err := f.normalizer(FailFast).Run(context.Background(), req)
	var configErr *ConfigurationError
	require.True(t, errors.As(err, &configErr))
	assert.Contains(t, err.Error(), "LAS")
	assert.Empty(t, f.initializer.calls)
	assert.Empty(t, f.registration.calls)
}

func TestRunWithReferenceImage(t *testing.T) {
	f := newFixture(t)
	f.preset(t, "t1-mni_registration_fast_01.json", "Rigid", false)
	reference := filepath.Join(f.templateRoot, models.TemplateICBM152Linear, "1mm_T1.nii.gz")
	req := f.request()
	req.Orientation = models.LAS
	req.ReferenceImages = []string{reference}
	req.MovingMask = ""

	result, err := f.normalizer(FailFast).Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []string{reference}, f.registration.calls[0].FixedImages)
	assert.Empty(t, f.registration.calls[0].FixedMask)
	assert.Nil(t, result.Validation)
	assert.Empty(t, f.resampler.calls)
}

func TestRunMasksReferenceImage(t *testing.T) {
	f := newFixture(t)
	f.preset(t, "t1-mni_registration_fast_01.json", "Rigid", false)
	dataset := filepath.Join(f.templateRoot, models.TemplateICBM152Linear)
	req := f.request()
	req.ReferenceImages = []string{filepath.Join(dataset, "1mm_T1.nii.gz")}
	req.ReferenceMask = filepath.Join(dataset, "1mm_brainmask.nii.gz")

	_, err := f.normalizer(FailFast).Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []string{filepath.Join(f.workDir, FixedMaskedName)}, f.registration.calls[0].FixedImages)
	assert.Equal(t, req.ReferenceMask, f.resampler.calls[0].ReferenceImage)
}

func TestRunInitializationFailure(t *testing.T) {
	f := newFixture(t)
	f.preset(t, "t1-mni_registration_fast_01.json", "Rigid", false)
	f.initializer.err = errors.New("antsAffineInitializer failed: exit status 1")

	_, err := f.normalizer(FailFast).Run(context.Background(), f.request())
	var initErr *InitializationError
	require.True(t, errors.As(err, &initErr))
	assert.Empty(t, f.registration.calls)
}

func TestRunUsesSuppliedInitialTransform(t *testing.T) {
	f := newFixture(t)
	f.preset(t, "t1-mni_registration_fast_01.json", "Rigid", false)
	req := f.request()
	req.InitialMovingTransform = "/data/init.mat"

	_, err := f.normalizer(FailFast).Run(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, f.initializer.calls)
	assert.Equal(t, "/data/init.mat", f.registration.calls[0].InitialMovingTransform)
}

func TestRunRejectionIsFatalByDefault(t *testing.T) {
	f := newFixture(t)
	f.preset(t, "t1-mni_registration_fast_01.json", "Rigid", false)
	f.preset(t, "t1-mni_registration_fast_02.json", "Affine", false)
	f.resampler.outputs = []*models.Volume{resampledMask(50, 50)}

	result, err := f.normalizer("").Run(context.Background(), f.request())
	require.NotNil(t, result)
	assert.Equal(t, 1, result.ReturnCode)
	require.Len(t, result.Attempts, 1)
	assert.Equal(t, OutcomeRejected, result.Attempts[0].Outcome)
	require.NotNil(t, result.Validation)
	assert.False(t, result.Validation.Accepted)
	var rejection *validation.RejectionError
	require.True(t, errors.As(err, &rejection))
	assert.Equal(t, 50.0, rejection.Overlap)
	assert.Len(t, f.registration.calls, 1)
	assert.FileExists(t, filepath.Join(f.workDir, "stdout.nipype.000"))
}

func TestRunRejectionMovesToNextPreset(t *testing.T) {
	f := newFixture(t)
	f.preset(t, "t1-mni_registration_fast_01.json", "Rigid", false)
	f.preset(t, "t1-mni_registration_fast_02.json", "Affine", false)
	f.resampler.outputs = []*models.Volume{resampledMask(40, 60), resampledMask(90, 10)}

	result, err := f.normalizer(NextPreset).Run(context.Background(), f.request())
	require.NoError(t, err)

	assert.Len(t, f.registration.calls, 2)
	require.Len(t, result.Attempts, 2)
	assert.Equal(t, OutcomeRejected, result.Attempts[0].Outcome)
	assert.Contains(t, result.Attempts[0].Error, "only 40%")
	assert.Equal(t, OutcomeSuccess, result.Attempts[1].Outcome)
	assert.InDelta(t, 90.0, result.Validation.Overlap, 1e-9)
}

func TestRunRejectedByEveryPreset(t *testing.T) {
	f := newFixture(t)
	f.preset(t, "t1-mni_registration_fast_01.json", "Rigid", false)
	f.preset(t, "t1-mni_registration_fast_02.json", "Affine", false)
	f.resampler.outputs = []*models.Volume{resampledMask(10, 90)}

	_, err := f.normalizer(NextPreset).Run(context.Background(), f.request())
	var exhausted *ExhaustedRetriesError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 1, exhausted.Retries)
	var rejection *validation.RejectionError
	assert.True(t, errors.As(err, &rejection))
}

func TestRunNeverOverwritesArchives(t *testing.T) {
	f := newFixture(t)
	f.preset(t, "t1-mni_registration_fast_01.json", "Rigid", false)
	require.NoError(t, os.MkdirAll(f.workDir, 0755))
	stale := filepath.Join(f.workDir, "stdout.nipype.000")
	require.NoError(t, os.WriteFile(stale, []byte("previous run"), 0644))

	result, err := f.normalizer(FailFast).Run(context.Background(), f.request())
	require.NoError(t, err)

	assert.Equal(t, "previous run", readFile(t, stale))
	assert.Empty(t, result.Attempts[0].StdoutLog)
	assert.Equal(t, filepath.Join(f.workDir, "stderr.nipype.000"), result.Attempts[0].StderrLog)
}

func TestRunRejectsInvalidRequest(t *testing.T) {
	f := newFixture(t)
	req := f.request()
	req.Flavor = "thorough"

	_, err := f.normalizer(FailFast).Run(context.Background(), req)
	var configErr *ConfigurationError
	assert.True(t, errors.As(err, &configErr))
}

func TestRunRequiresCollaborators(t *testing.T) {
	n := NewNormalizer(&Params{WorkDir: t.TempDir()})
	_, err := n.Run(context.Background(), models.NewRequest("a.nii.gz"))
	assert.Error(t, err)
}

func TestParsePolicy(t *testing.T) {
	policy, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, FailFast, policy)

	policy, err = ParsePolicy("next-preset")
	require.NoError(t, err)
	assert.Equal(t, NextPreset, policy)

	_, err = ParsePolicy("retry-forever")
	assert.Error(t, err)
}

func TestWriteReport(t *testing.T) {
	f := newFixture(t)
	f.preset(t, "t1-mni_registration_fast_01.json", "Rigid", false)
	f.preset(t, "t1-mni_registration_fast_02.json", "Affine", false)
	f.registration.fail[0] = true

	result, err := f.normalizer(FailFast).Run(context.Background(), f.request())
	require.NoError(t, err)

	path := filepath.Join(f.root, "out", "report.yaml")
	require.NoError(t, result.WriteReport(path))
	report := readFile(t, path)
	assert.True(t, strings.HasPrefix(report, "runId: "+result.RunID.String()))
	assert.Contains(t, report, "outcome: engine-failure")
	assert.Contains(t, report, "overlapPercent: 100")
}

func TestRunResolvesRelativeInputs(t *testing.T) {
	f := newFixture(t)
	f.preset(t, "t1-mni_registration_fast_01.json", "Rigid", false)
	chdir(t, f.root)

	req := f.request()
	req.MovingImages = []string{filepath.Base(f.moving[0]), filepath.Base(f.moving[1])}
	req.MovingMask = filepath.Base(f.movingMask)

	result, err := f.normalizer(FailFast).Run(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.Validation.Accepted)

	inv := f.registration.calls[0]
	assert.Equal(t, []string{filepath.Join(f.workDir, MovingMaskedName), f.moving[1]}, inv.MovingImages)
	require.Len(t, f.resampler.calls, 1)
	assert.Equal(t, f.movingMask, f.resampler.calls[0].InputImage)
	// the caller's request is left untouched
	assert.Equal(t, filepath.Base(f.moving[1]), req.MovingImages[1])
}

func TestRunResolvesRelativeConstraintsAndTransform(t *testing.T) {
	f := newFixture(t)
	custom := f.preset(t, "custom.json", "Affine", false)
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "init.mat"), []byte("affine"), 0644))
	chdir(t, f.root)

	req := f.request()
	req.ExplicitMasking = false
	req.MovingMask = filepath.Base(f.movingMask)
	req.InitialMovingTransform = "init.mat"
	req.Settings = []string{filepath.Join("presets", "custom.json")}

	_, err := f.normalizer(FailFast).Run(context.Background(), req)
	require.NoError(t, err)

	inv := f.registration.calls[0]
	assert.Equal(t, f.movingMask, inv.MovingMask)
	assert.Equal(t, filepath.Join(f.root, "init.mat"), inv.InitialMovingTransform)
	assert.Equal(t, custom, inv.Preset)
}

func TestRunOverlapThreshold(t *testing.T) {
	f := newFixture(t)
	f.preset(t, "t1-mni_registration_fast_01.json", "Rigid", false)
	f.resampler.outputs = []*models.Volume{resampledMask(73, 27)}

	params := func(threshold float64) *Params {
		return &Params{
			Registration:     f.registration,
			Initializer:      f.initializer,
			Resampler:        f.resampler,
			Templates:        templates.NewResolver(f.templateRoot),
			Settings:         settings.NewResolver(f.catalog),
			WorkDir:          t.TempDir(),
			OverlapThreshold: threshold,
		}
	}

	_, err := NewNormalizer(params(80)).Run(context.Background(), f.request())
	var rejection *validation.RejectionError
	require.True(t, errors.As(err, &rejection))
	assert.Equal(t, 80.0, rejection.Threshold)

	for _, bad := range []float64{-5, 100} {
		_, err := NewNormalizer(params(bad)).Run(context.Background(), f.request())
		assert.ErrorContains(t, err, "overlap threshold")
	}
}

func TestWriteReportForFailedRun(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 2; i++ {
		f.preset(t, fmt.Sprintf("t1-mni_registration_fast_%02d.json", i), "Rigid", false)
		f.registration.fail[i] = true
	}

	result, err := f.normalizer(FailFast).Run(context.Background(), f.request())
	require.Error(t, err)

	path := filepath.Join(f.root, "report.yaml")
	require.NoError(t, result.WriteReport(path))
	report := readFile(t, path)
	assert.Contains(t, report, "returnCode: 1")
	assert.Contains(t, report, "error: robust spatial normalization failed after 1 retries")
	assert.Contains(t, report, "preset: "+filepath.Join(f.catalog, "t1-mni_registration_fast_01.json"))
	assert.Contains(t, report, "commandLine: antsRegistration --preset t1-mni_registration_fast_00.json")
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir from Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
