package normalization

import (
	"path/filepath"

	"github.com/rs/zerolog/log"

	"robustmni/internal/models"
	"robustmni/pkg/engine"
	"robustmni/pkg/masking"
)

// Names of the masked images written into the working directory.
const (
	MovingMaskedName = "moving_masked.nii.gz"
	FixedMaskedName  = "fixed_masked.nii.gz"
)

// absoluteRequest returns a copy of req whose file paths are absolute. Engine
// tools run inside the working directory, so relative caller paths would
// resolve against it.
func absoluteRequest(req *models.Request) (*models.Request, error) {
	out := *req
	var err error
	if out.MovingImages, err = absolutePaths(req.MovingImages); err != nil {
		return nil, err
	}
	if out.ReferenceImages, err = absolutePaths(req.ReferenceImages); err != nil {
		return nil, err
	}
	if out.Settings, err = absolutePaths(req.Settings); err != nil {
		return nil, err
	}
	for _, path := range []*string{&out.MovingMask, &out.ReferenceMask, &out.InitialMovingTransform} {
		if *path == "" {
			continue
		}
		if *path, err = filepath.Abs(*path); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

func absolutePaths(paths []string) ([]string, error) {
	if paths == nil {
		return nil, nil
	}
	out := make([]string, len(paths))
	for i, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		out[i] = abs
	}
	return out, nil
}

// configure builds the base invocation every preset is layered onto.
func (n *Normalizer) configure(req *models.Request) (engine.Invocation, error) {
	base := engine.Invocation{
		MovingImages:            append([]string(nil), req.MovingImages...),
		InitialMovingTransform:  req.InitialMovingTransform,
		NumThreads:              req.NumThreads,
		WriteCompositeTransform: true,
		WorkDir:                 n.workDir,
	}

	if req.MovingMask != "" {
		if req.ExplicitMasking {
			masked, err := masking.Mask(req.MovingImages[0], req.MovingMask, filepath.Join(n.workDir, MovingMaskedName))
			if err != nil {
				return engine.Invocation{}, err
			}
			base.MovingImages[0] = masked
		} else {
			base.MovingMask = req.MovingMask
		}
	}

	if len(req.ReferenceImages) > 0 {
		base.FixedImages = append([]string(nil), req.ReferenceImages...)
		if req.ReferenceMask != "" {
			if req.ExplicitMasking {
				masked, err := masking.Mask(req.ReferenceImages[0], req.ReferenceMask, filepath.Join(n.workDir, FixedMaskedName))
				if err != nil {
					return engine.Invocation{}, err
				}
				base.FixedImages[0] = masked
			} else {
				base.FixedMask = req.ReferenceMask
			}
		}
		return base, nil
	}

	if req.Orientation == models.LAS {
		return engine.Invocation{}, &ConfigurationError{Reason: "LAS orientation requires a reference image, templates are RAS"}
	}

	resolution := req.Resolution()
	image, err := n.templates.ReferenceImage(req.Template, resolution, req.Reference)
	if err != nil {
		return engine.Invocation{}, &ConfigurationError{Reason: "template image not available", Err: err}
	}
	brainMask, err := n.templates.BrainMask(req.Template, resolution)
	if err != nil {
		return engine.Invocation{}, &ConfigurationError{Reason: "template brain mask not available", Err: err}
	}

	log.Debug().
		Str("template", req.Template).
		Int("resolution", resolution).
		Str("image", image).
		Str("brain_mask", brainMask).
		Msg("Resolved template")

	if req.ExplicitMasking {
		masked, err := masking.Mask(image, brainMask, filepath.Join(n.workDir, FixedMaskedName))
		if err != nil {
			return engine.Invocation{}, err
		}
		base.FixedImages = []string{masked}
	} else {
		base.FixedImages = []string{image}
		base.FixedMask = brainMask
	}
	return base, nil
}

// targetMask returns the reference-space mask used for validation.
func (n *Normalizer) targetMask(req *models.Request) (string, error) {
	if req.ReferenceMask != "" {
		return req.ReferenceMask, nil
	}
	return n.templates.BrainMask(req.Template, req.Resolution())
}
