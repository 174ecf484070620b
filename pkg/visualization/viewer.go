// Package visualization renders quality-control snapshots of normalized volumes.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"

	"robustmni/internal/models"
)

// Overlay colours: voxels inside both masks, and voxels of the moving mask that
// fall outside the reference mask.
var (
	OverlapColor = color.RGBA{R: 0, G: 200, B: 0, A: 255}
	OutsideColor = color.RGBA{R: 220, G: 0, B: 0, A: 255}
)

// Viewer extracts 2D slices from a volume.
type Viewer struct {
	volume *models.Volume

	// peak intensity, used to scale slices into 8 bits
	peak float64
}

// NewViewer creates a viewer over vol.
func NewViewer(vol *models.Volume) *Viewer {
	peak := 0.0
	for _, v := range vol.Data {
		peak = math.Max(peak, v)
	}
	return &Viewer{volume: vol, peak: peak}
}

// sliceSize returns the 2D size of a slice along axis and the axis extent.
func (v *Viewer) sliceSize(axis string) (w, h, extent int, err error) {
	vol := v.volume
	switch axis {
	case "x", "X":
		return vol.Depth, vol.Height, vol.Width, nil
	case "y", "Y":
		return vol.Width, vol.Depth, vol.Height, nil
	case "z", "Z":
		return vol.Width, vol.Height, vol.Depth, nil
	}
	return 0, 0, 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// voxel maps slice pixel (i, j) at position along axis to a Data offset.
func (v *Viewer) voxel(axis string, position, i, j int) int {
	switch axis {
	case "x", "X":
		return v.volume.Index(position, j, i)
	case "y", "Y":
		return v.volume.Index(i, position, j)
	}
	return v.volume.Index(i, j, position)
}

// ExtractSlice returns the slice at position along axis as 8-bit grayscale,
// scaled by the volume maximum.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray, error) {
	w, h, extent, err := v.sliceSize(axis)
	if err != nil {
		return nil, err
	}
	if position < 0 || position >= extent {
		return nil, fmt.Errorf("position %d outside [0, %d)", position, extent)
	}

	img := image.NewGray(image.Rect(0, 0, w, h))
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			value := 0.0
			if v.peak > 0 {
				value = v.volume.Data[v.voxel(axis, position, i, j)] / v.peak
			}
			// flip rows so that superior/anterior is up
			img.SetGray(i, h-1-j, color.Gray{Y: uint8(math.Max(0, math.Min(255, value*255)))})
		}
	}
	return img, nil
}

// Overlay draws mask over the viewer's slice. The mask must share the grid.
func (v *Viewer) Overlay(mask *models.Volume, axis string, position int) (*image.RGBA, error) {
	if err := v.volume.CheckGrid(mask); err != nil {
		return nil, err
	}
	base, err := v.ExtractSlice(axis, position)
	if err != nil {
		return nil, err
	}

	bounds := base.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	img := image.NewRGBA(bounds)
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			idx := v.voxel(axis, position, i, j)
			var c color.Color = base.GrayAt(i, h-1-j)
			if mask.Data[idx] != 0 {
				if v.volume.Data[idx] != 0 {
					c = OverlapColor
				} else {
					c = OutsideColor
				}
			}
			img.Set(i, h-1-j, c)
		}
	}
	return img, nil
}

// SaveSlice writes img as a PNG file.
func SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
