// Package masking zeroes image voxels that fall outside a binary mask.
package masking

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"robustmni/pkg/nifti"
)

// Mask writes a copy of inFile in which every voxel where maskFile is zero is set
// to zero. The output keeps the input's affine and header. Both volumes must share
// a voxel grid. Returns the absolute path of the new file.
func Mask(inFile, maskFile, outName string) (string, error) {
	in, err := nifti.Load(inFile)
	if err != nil {
		return "", fmt.Errorf("failed to load image: %w", err)
	}
	mask, err := nifti.Load(maskFile)
	if err != nil {
		return "", fmt.Errorf("failed to load mask: %w", err)
	}
	if err := in.CheckGrid(mask); err != nil {
		return "", fmt.Errorf("cannot mask %s with %s: %w", inFile, maskFile, err)
	}

	zeroed := 0
	for i, m := range mask.Data {
		if m == 0 {
			if in.Data[i] != 0 {
				zeroed++
			}
			in.Data[i] = 0
		}
	}

	if err := nifti.Save(in, outName); err != nil {
		return "", fmt.Errorf("failed to write masked image: %w", err)
	}

	out, err := filepath.Abs(outName)
	if err != nil {
		return "", err
	}

	log.Debug().
		Str("input", inFile).
		Str("mask", maskFile).
		Str("output", out).
		Int("zeroed_voxels", zeroed).
		Msg("Masked image written")

	return out, nil
}
