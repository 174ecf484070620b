package models

import (
	"fmt"
	"runtime"
)

// Flavor selects a tier of registration presets.
type Flavor string

const (
	FlavorPrecise Flavor = "precise"
	FlavorTesting Flavor = "testing"
	FlavorFast    Flavor = "fast"
)

// Orientation of the input images. Only RAS templates are shipped.
type Orientation string

const (
	RAS Orientation = "RAS"
	LAS Orientation = "LAS"
)

// Modality names an image contrast.
type Modality string

const (
	T1  Modality = "T1"
	T2  Modality = "T2"
	PD  Modality = "PD"
	EPI Modality = "EPI"
)

// Supported template datasets.
const (
	TemplateICBM152Linear      = "mni_icbm152_linear"
	TemplateICBM152NlinAsym09c = "mni_icbm152_nlin_asym_09c"
)

// Request describes one spatial normalization. Input files are read only.
type Request struct {
	// MovingImages are the images to normalize. The first one drives
	// initialization and masking.
	MovingImages []string `yaml:"movingImages"`

	// ReferenceImages override the template when set
	ReferenceImages []string `yaml:"referenceImages,omitempty"`

	MovingMask    string `yaml:"movingMask,omitempty"`
	ReferenceMask string `yaml:"referenceMask,omitempty"`

	// NumThreads is passed to the engine. Defaults to the number of CPUs.
	NumThreads int `yaml:"numThreads"`

	Flavor      Flavor      `yaml:"flavor"`
	Orientation Orientation `yaml:"orientation"`

	// Reference is the template contrast; Moving is the input contrast
	Reference Modality `yaml:"reference"`
	Moving    Modality `yaml:"moving"`

	Template           string `yaml:"template"`
	TemplateResolution int    `yaml:"templateResolution"`

	// ExplicitMasking zeroes voxels outside the masks before registration
	// instead of handing the masks to the engine.
	ExplicitMasking bool `yaml:"explicitMasking"`

	// Settings is an explicit preset list that replaces catalog discovery
	Settings []string `yaml:"settings,omitempty"`

	InitialMovingTransform string `yaml:"initialMovingTransform,omitempty"`

	// Deprecated: Testing selects the testing presets and 2mm template
	// regardless of Flavor and TemplateResolution. Use Flavor instead.
	Testing bool `yaml:"testing,omitempty"`
}

// NewRequest returns a request for the given moving images with default settings.
func NewRequest(moving ...string) *Request {
	return &Request{
		MovingImages:       moving,
		NumThreads:         runtime.NumCPU(),
		Flavor:             FlavorPrecise,
		Orientation:        RAS,
		Reference:          T1,
		Moving:             T1,
		Template:           TemplateICBM152Linear,
		TemplateResolution: 1,
		ExplicitMasking:    true,
	}
}

// Resolution returns the template resolution in mm, honouring the deprecated
// Testing flag.
func (r *Request) Resolution() int {
	if r.Testing {
		return 2
	}
	return r.TemplateResolution
}

// Validate checks enumerated fields and required inputs.
func (r *Request) Validate() error {
	if len(r.MovingImages) == 0 {
		return fmt.Errorf("at least one moving image is required")
	}
	switch r.Flavor {
	case FlavorPrecise, FlavorTesting, FlavorFast:
	default:
		return fmt.Errorf("invalid flavor %q", r.Flavor)
	}
	switch r.Orientation {
	case RAS, LAS:
	default:
		return fmt.Errorf("invalid orientation %q", r.Orientation)
	}
	switch r.Reference {
	case T1, T2, PD:
	default:
		return fmt.Errorf("invalid reference modality %q", r.Reference)
	}
	switch r.Moving {
	case T1, EPI:
	default:
		return fmt.Errorf("invalid moving modality %q", r.Moving)
	}
	if len(r.ReferenceImages) == 0 {
		switch r.Template {
		case TemplateICBM152Linear, TemplateICBM152NlinAsym09c:
		default:
			return fmt.Errorf("invalid template %q", r.Template)
		}
		if r.TemplateResolution != 1 && r.TemplateResolution != 2 {
			return fmt.Errorf("invalid template resolution %d", r.TemplateResolution)
		}
	}
	if r.NumThreads < 1 {
		return fmt.Errorf("thread count must be positive, got %d", r.NumThreads)
	}
	return nil
}
