// Package engine describes the external registration tools the normalizer drives
// and provides command-line implementations backed by the ANTs binaries.
//
// Every collaborator is an opaque subprocess: the package builds argument lists,
// runs the binaries synchronously and reports the files they produce. No image
// processing happens here.
package engine

import (
	"context"
)

// Interpolation modes understood by the resampler.
const (
	NearestNeighbor = "NearestNeighbor"
	Linear          = "Linear"
)

// LogFiles names the two log files a registration invocation writes into its
// working directory. The names are fixed per engine and reused on every call.
type LogFiles struct {
	Stdout string
	Stderr string
}

// DefaultLogFiles are the names used when none are configured.
var DefaultLogFiles = LogFiles{
	Stdout: "stdout.nipype",
	Stderr: "stderr.nipype",
}

// Outputs lists the files produced by a successful registration.
type Outputs struct {
	CompositeTransform        string            `yaml:"compositeTransform,omitempty"`
	InverseCompositeTransform string            `yaml:"inverseCompositeTransform,omitempty"`
	WarpedImage               string            `yaml:"warpedImage,omitempty"`
	InverseWarpedImage        string            `yaml:"inverseWarpedImage,omitempty"`
	Extra                     map[string]string `yaml:"extra,omitempty"`
}

// Registration runs one configured registration call.
type Registration interface {
	// Run blocks until the engine exits. A non-nil error means the attempt failed.
	Run(ctx context.Context, inv Invocation) (Outputs, error)

	// CommandLine renders the call for logging.
	CommandLine(inv Invocation) string

	// LogFiles returns the per-invocation log names written into inv.WorkDir.
	LogFiles() LogFiles
}

// InitRequest carries the inputs of an affine initialization.
type InitRequest struct {
	FixedImage  string
	MovingImage string
	NumThreads  int
	WorkDir     string
}

// AffineInitializer computes an initial moving transform.
type AffineInitializer interface {
	Initialize(ctx context.Context, req InitRequest) (string, error)
}

// ApplyRequest carries the inputs of a resampling call.
type ApplyRequest struct {
	Dimension      int
	InputImage     string
	ReferenceImage string
	Transforms     []string
	Interpolation  string
	WorkDir        string
}

// Resampler maps an image into the grid of a reference image.
type Resampler interface {
	Apply(ctx context.Context, req ApplyRequest) (string, error)
}
