package models

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Volume is a 3D image volume on a regular voxel grid.
type Volume struct {
	// Data holds voxel intensities with x varying fastest, then y, then z
	Data []float64

	// Width, Height, Depth are the grid dimensions in voxels
	Width  int
	Height int
	Depth  int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize struct {
		X, Y, Z float64
	}

	// Affine maps voxel indices to world (scanner) coordinates. 4x4.
	Affine *mat.Dense

	// Datatype is the on-disk storage type code of the file the volume came from
	Datatype int16

	// Header is the raw on-disk header, kept so that writers can preserve metadata
	Header []byte
}

// NewVolume allocates a zero-filled volume with an identity affine.
func NewVolume(width, height, depth int) *Volume {
	v := &Volume{
		Data:   make([]float64, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
		Affine: identityAffine(),
	}
	v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z = 1, 1, 1
	return v
}

func identityAffine() *mat.Dense {
	a := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		a.Set(i, i, 1)
	}
	return a
}

// Len returns the number of voxels on the grid.
func (v *Volume) Len() int {
	return v.Width * v.Height * v.Depth
}

// Index returns the offset of voxel (x, y, z) in Data.
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// At returns the value of voxel (x, y, z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set assigns the value of voxel (x, y, z).
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// SameGrid reports whether both volumes share dimensions.
func (v *Volume) SameGrid(o *Volume) bool {
	return v.Width == o.Width && v.Height == o.Height && v.Depth == o.Depth
}

// CheckGrid returns an error when the volumes do not share a voxel grid.
func (v *Volume) CheckGrid(o *Volume) error {
	if !v.SameGrid(o) {
		return fmt.Errorf("voxel grid mismatch: %dx%dx%d vs %dx%dx%d",
			v.Width, v.Height, v.Depth, o.Width, o.Height, o.Depth)
	}
	return nil
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	c := *v
	c.Data = append([]float64(nil), v.Data...)
	if v.Affine != nil {
		c.Affine = mat.DenseCopyOf(v.Affine)
	}
	if v.Header != nil {
		c.Header = append([]byte(nil), v.Header...)
	}
	return &c
}

// Binarize returns a 0/1 indicator of nonzero voxels.
func (v *Volume) Binarize() []float64 {
	out := make([]float64, len(v.Data))
	for i, value := range v.Data {
		if value != 0 {
			out[i] = 1
		}
	}
	return out
}
