package engine

import (
	"encoding/json"
	"fmt"
	"os"
)

// Invocation is a complete description of one registration call. The normalizer
// keeps a base Invocation and derives a fresh one per attempt with WithPreset, so
// no state leaks from one attempt into the next.
type Invocation struct {
	MovingImages            []string
	FixedImages             []string
	MovingMask              string
	FixedMask               string
	InitialMovingTransform  string
	NumThreads              int
	WriteCompositeTransform bool
	WorkDir                 string

	// Preset is the file the Parameters were layered from, empty for the base.
	Preset     string
	Parameters Parameters
}

// WithPreset returns a copy of inv with params layered over its parameters.
func (inv Invocation) WithPreset(path string, params Parameters) (Invocation, error) {
	merged, err := Merge(inv.Parameters, params)
	if err != nil {
		return Invocation{}, fmt.Errorf("failed to layer preset %s: %w", path, err)
	}

	out := inv
	out.MovingImages = append([]string(nil), inv.MovingImages...)
	out.FixedImages = append([]string(nil), inv.FixedImages...)
	out.Preset = path
	out.Parameters = merged
	return out, nil
}

// BoolList decodes either a single boolean or a list of booleans, one per stage.
type BoolList []bool

// UnmarshalJSON implements json.Unmarshaler.
func (b *BoolList) UnmarshalJSON(data []byte) error {
	var single bool
	if err := json.Unmarshal(data, &single); err == nil {
		*b = BoolList{single}
		return nil
	}
	var list []bool
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*b = list
	return nil
}

// At returns the value for stage i, repeating a single value for every stage.
func (b BoolList) At(i int) (bool, bool) {
	switch {
	case len(b) == 0:
		return false, false
	case len(b) == 1:
		return b[0], true
	case i < len(b):
		return b[i], true
	}
	return false, false
}

// Parameters are the registration settings carried by a preset file. Field names
// follow the JSON keys used by the preset catalog.
type Parameters struct {
	Dimension                    int         `json:"dimension,omitempty"`
	Float                        *bool       `json:"float,omitempty"`
	Transforms                   []string    `json:"transforms,omitempty"`
	TransformParameters          [][]float64 `json:"transform_parameters,omitempty"`
	NumberOfIterations           [][]int     `json:"number_of_iterations,omitempty"`
	Metric                       []string    `json:"metric,omitempty"`
	MetricWeight                 []float64   `json:"metric_weight,omitempty"`
	RadiusOrNumberOfBins         []int       `json:"radius_or_number_of_bins,omitempty"`
	SamplingStrategy             []*string   `json:"sampling_strategy,omitempty"`
	SamplingPercentage           []*float64  `json:"sampling_percentage,omitempty"`
	ConvergenceThreshold         []float64   `json:"convergence_threshold,omitempty"`
	ConvergenceWindowSize        []int       `json:"convergence_window_size,omitempty"`
	SmoothingSigmas              [][]float64 `json:"smoothing_sigmas,omitempty"`
	SigmaUnits                   []string    `json:"sigma_units,omitempty"`
	ShrinkFactors                [][]int     `json:"shrink_factors,omitempty"`
	UseEstimateLearningRateOnce  BoolList    `json:"use_estimate_learning_rate_once,omitempty"`
	UseHistogramMatching         BoolList    `json:"use_histogram_matching,omitempty"`
	WinsorizeLowerQuantile       *float64    `json:"winsorize_lower_quantile,omitempty"`
	WinsorizeUpperQuantile       *float64    `json:"winsorize_upper_quantile,omitempty"`
	CollapseOutputTransforms     *bool       `json:"collapse_output_transforms,omitempty"`
	InitializeTransformsPerStage *bool       `json:"initialize_transforms_per_stage,omitempty"`
	Interpolation                string      `json:"interpolation,omitempty"`
	OutputTransformPrefix        string      `json:"output_transform_prefix,omitempty"`
	OutputWarpedImage            string      `json:"output_warped_image,omitempty"`
	OutputInverseWarpedImage     string      `json:"output_inverse_warped_image,omitempty"`
	Verbose                      *bool       `json:"verbose,omitempty"`
}

// LoadParameters decodes a preset file.
func LoadParameters(path string) (Parameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Parameters{}, fmt.Errorf("error reading preset: %w", err)
	}
	var p Parameters
	if err := json.Unmarshal(data, &p); err != nil {
		return Parameters{}, fmt.Errorf("error parsing preset %s: %w", path, err)
	}
	return p, nil
}

// Merge layers overlay onto base key by key. Keys absent from overlay keep the
// base value. Neither argument is modified.
func Merge(base, overlay Parameters) (Parameters, error) {
	layered := map[string]json.RawMessage{}
	for _, p := range []Parameters{base, overlay} {
		data, err := json.Marshal(p)
		if err != nil {
			return Parameters{}, err
		}
		var keys map[string]json.RawMessage
		if err := json.Unmarshal(data, &keys); err != nil {
			return Parameters{}, err
		}
		for k, v := range keys {
			layered[k] = v
		}
	}

	data, err := json.Marshal(layered)
	if err != nil {
		return Parameters{}, err
	}
	var out Parameters
	if err := json.Unmarshal(data, &out); err != nil {
		return Parameters{}, err
	}
	return out, nil
}

// Stages returns the number of registration stages described by the parameters.
func (p Parameters) Stages() int {
	return len(p.Transforms)
}

// Validate checks that every per-stage list covers all stages.
func (p Parameters) Validate() error {
	n := p.Stages()
	if n == 0 {
		return fmt.Errorf("no transforms configured")
	}
	lists := map[string]int{
		"transform_parameters": len(p.TransformParameters),
		"number_of_iterations": len(p.NumberOfIterations),
		"metric":               len(p.Metric),
		"smoothing_sigmas":     len(p.SmoothingSigmas),
		"shrink_factors":       len(p.ShrinkFactors),
	}
	for name, got := range lists {
		if got != n {
			return fmt.Errorf("%s has %d entries, want %d", name, got, n)
		}
	}
	return nil
}
