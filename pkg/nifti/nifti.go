// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and .nii.gz).
// Only the first three dimensions are loaded; header metadata is kept verbatim so
// that a volume can be written back with its original affine and header fields.
package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"gonum.org/v1/gonum/mat"

	"robustmni/internal/models"
)

// Storage type codes from the NIfTI-1 standard.
const (
	Uint8   int16 = 2
	Int16   int16 = 4
	Int32   int16 = 8
	Float32 int16 = 16
	Float64 int16 = 64
	Int8    int16 = 256
	Uint16  int16 = 512
	Uint32  int16 = 768
)

const (
	headerSize = 348
	dataOffset = 352
)

// Byte offsets of the header fields we read or rewrite.
const (
	offDim       = 40
	offDatatype  = 70
	offBitpix    = 72
	offPixdim    = 76
	offVoxOffset = 108
	offSclSlope  = 112
	offSclInter  = 116
	offQformCode = 252
	offSformCode = 254
	offQuatern   = 256
	offQoffset   = 268
	offSrow      = 280
	offMagic     = 344
)

var bytesPerVoxel = map[int16]int{
	Uint8:   1,
	Int8:    1,
	Int16:   2,
	Uint16:  2,
	Int32:   4,
	Uint32:  4,
	Float32: 4,
	Float64: 8,
}

// Load reads a NIfTI-1 volume from path. Files ending in .gz are decompressed.
func Load(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	vol, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return vol, nil
}

// Decode reads a NIfTI-1 volume from r.
func Decode(r io.Reader) (*models.Volume, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("short header: %w", err)
	}

	order, err := byteOrder(hdr)
	if err != nil {
		return nil, err
	}

	ndim := int(int16At(hdr, order, offDim))
	if ndim < 1 || ndim > 7 {
		return nil, fmt.Errorf("invalid dimension count %d", ndim)
	}
	dims := [3]int{1, 1, 1}
	for i := 0; i < 3 && i < ndim; i++ {
		dims[i] = int(int16At(hdr, order, offDim+2*(i+1)))
		if dims[i] < 1 {
			return nil, fmt.Errorf("invalid size %d along axis %d", dims[i], i)
		}
	}

	datatype := int16At(hdr, order, offDatatype)
	size, ok := bytesPerVoxel[datatype]
	if !ok {
		return nil, fmt.Errorf("unsupported datatype %d", datatype)
	}

	voxOffset := int(float32At(hdr, order, offVoxOffset))
	if voxOffset < headerSize {
		voxOffset = dataOffset
	}
	if _, err := io.CopyN(io.Discard, r, int64(voxOffset-headerSize)); err != nil {
		return nil, fmt.Errorf("failed to skip header extensions: %w", err)
	}

	vol := &models.Volume{
		Width:    dims[0],
		Height:   dims[1],
		Depth:    dims[2],
		Datatype: datatype,
		Header:   hdr,
	}
	vol.VoxelSize.X = float64(float32At(hdr, order, offPixdim+4))
	vol.VoxelSize.Y = float64(float32At(hdr, order, offPixdim+8))
	vol.VoxelSize.Z = float64(float32At(hdr, order, offPixdim+12))
	vol.Affine = affineFromHeader(hdr, order)

	raw := make([]byte, vol.Len()*size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("truncated voxel data: %w", err)
	}

	slope := float64(float32At(hdr, order, offSclSlope))
	inter := float64(float32At(hdr, order, offSclInter))
	vol.Data = make([]float64, vol.Len())
	for i := range vol.Data {
		value := decodeVoxel(raw[i*size:(i+1)*size], datatype, order)
		if slope != 0 {
			value = value*slope + inter
		}
		vol.Data[i] = value
	}

	return vol, nil
}

// Save writes vol to path, gzip-compressed when the name ends in .gz.
func Save(vol *models.Volume, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}

	if err := Encode(w, vol); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

// Encode writes vol as a single-file NIfTI-1 stream. The header of the source
// file is reused when present; only grid, storage and scaling fields are rewritten.
// Scaled volumes are stored as float32 with identity scaling.
func Encode(w io.Writer, vol *models.Volume) error {
	if len(vol.Data) != vol.Len() {
		return fmt.Errorf("voxel count %d does not match grid %dx%dx%d",
			len(vol.Data), vol.Width, vol.Height, vol.Depth)
	}

	hdr, order, err := headerFor(vol)
	if err != nil {
		return err
	}

	datatype := vol.Datatype
	if datatype == 0 {
		datatype = Float32
	}
	slope := float64(float32At(hdr, order, offSclSlope))
	inter := float64(float32At(hdr, order, offSclInter))
	if (slope != 0 && slope != 1) || inter != 0 {
		datatype = Float32
	}
	size, ok := bytesPerVoxel[datatype]
	if !ok {
		return fmt.Errorf("unsupported datatype %d", datatype)
	}

	putInt16(hdr, order, offDim, 3)
	putInt16(hdr, order, offDim+2, int16(vol.Width))
	putInt16(hdr, order, offDim+4, int16(vol.Height))
	putInt16(hdr, order, offDim+6, int16(vol.Depth))
	for i := 4; i < 8; i++ {
		putInt16(hdr, order, offDim+2*i, 1)
	}
	putInt16(hdr, order, offDatatype, datatype)
	putInt16(hdr, order, offBitpix, int16(size*8))
	putFloat32(hdr, order, offVoxOffset, dataOffset)
	putFloat32(hdr, order, offSclSlope, 1)
	putFloat32(hdr, order, offSclInter, 0)

	var buf bytes.Buffer
	buf.Grow(dataOffset + vol.Len()*size)
	buf.Write(hdr)
	buf.Write([]byte{0, 0, 0, 0})

	voxel := make([]byte, size)
	for _, value := range vol.Data {
		encodeVoxel(voxel, value, datatype, order)
		buf.Write(voxel)
	}

	_, err = w.Write(buf.Bytes())
	return err
}

func headerFor(vol *models.Volume) ([]byte, binary.ByteOrder, error) {
	if len(vol.Header) == headerSize {
		hdr := append([]byte(nil), vol.Header...)
		order, err := byteOrder(hdr)
		return hdr, order, err
	}

	order := binary.LittleEndian
	hdr := make([]byte, headerSize)
	order.PutUint32(hdr[0:], headerSize)
	copy(hdr[offMagic:], "n+1\x00")
	putFloat32(hdr, order, offPixdim, 1)
	putFloat32(hdr, order, offPixdim+4, float32(nonZero(vol.VoxelSize.X)))
	putFloat32(hdr, order, offPixdim+8, float32(nonZero(vol.VoxelSize.Y)))
	putFloat32(hdr, order, offPixdim+12, float32(nonZero(vol.VoxelSize.Z)))
	hdr[123] = 2 // xyzt_units: mm

	if vol.Affine != nil {
		putInt16(hdr, order, offSformCode, 1)
		for row := 0; row < 3; row++ {
			for col := 0; col < 4; col++ {
				putFloat32(hdr, order, offSrow+16*row+4*col, float32(vol.Affine.At(row, col)))
			}
		}
	}
	return hdr, order, nil
}

func nonZero(v float64) float64 {
	if v == 0 {
		return 1
	}
	return v
}

func byteOrder(hdr []byte) (binary.ByteOrder, error) {
	if binary.LittleEndian.Uint32(hdr[0:4]) == headerSize {
		return binary.LittleEndian, nil
	}
	if binary.BigEndian.Uint32(hdr[0:4]) == headerSize {
		return binary.BigEndian, nil
	}
	return nil, fmt.Errorf("not a NIfTI-1 header")
}

// affineFromHeader prefers the sform, then the qform, then plain voxel scaling.
func affineFromHeader(hdr []byte, order binary.ByteOrder) *mat.Dense {
	a := mat.NewDense(4, 4, nil)
	a.Set(3, 3, 1)

	if int16At(hdr, order, offSformCode) > 0 {
		for row := 0; row < 3; row++ {
			for col := 0; col < 4; col++ {
				a.Set(row, col, float64(float32At(hdr, order, offSrow+16*row+4*col)))
			}
		}
		return a
	}

	dx := float64(float32At(hdr, order, offPixdim+4))
	dy := float64(float32At(hdr, order, offPixdim+8))
	dz := float64(float32At(hdr, order, offPixdim+12))

	if int16At(hdr, order, offQformCode) > 0 {
		b := float64(float32At(hdr, order, offQuatern))
		c := float64(float32At(hdr, order, offQuatern+4))
		d := float64(float32At(hdr, order, offQuatern+8))
		qa := 1 - (b*b + c*c + d*d)
		if qa < 1e-7 {
			n := math.Sqrt(b*b + c*c + d*d)
			b, c, d = b/n, c/n, d/n
			qa = 0
		} else {
			qa = math.Sqrt(qa)
		}
		qfac := float64(float32At(hdr, order, offPixdim))
		if qfac == 0 {
			qfac = 1
		}
		rot := mat.NewDense(3, 3, []float64{
			qa*qa + b*b - c*c - d*d, 2 * (b*c - qa*d), 2 * (b*d + qa*c),
			2 * (b*c + qa*d), qa*qa + c*c - b*b - d*d, 2 * (c*d - qa*b),
			2 * (b*d - qa*c), 2 * (c*d + qa*b), qa*qa + d*d - c*c - b*b,
		})
		scale := []float64{dx, dy, dz * qfac}
		for row := 0; row < 3; row++ {
			for col := 0; col < 3; col++ {
				a.Set(row, col, rot.At(row, col)*scale[col])
			}
			a.Set(row, 3, float64(float32At(hdr, order, offQoffset+4*row)))
		}
		return a
	}

	a.Set(0, 0, nonZero(dx))
	a.Set(1, 1, nonZero(dy))
	a.Set(2, 2, nonZero(dz))
	return a
}

func decodeVoxel(b []byte, datatype int16, order binary.ByteOrder) float64 {
	switch datatype {
	case Uint8:
		return float64(b[0])
	case Int8:
		return float64(int8(b[0]))
	case Int16:
		return float64(int16(order.Uint16(b)))
	case Uint16:
		return float64(order.Uint16(b))
	case Int32:
		return float64(int32(order.Uint32(b)))
	case Uint32:
		return float64(order.Uint32(b))
	case Float32:
		return float64(math.Float32frombits(order.Uint32(b)))
	case Float64:
		return math.Float64frombits(order.Uint64(b))
	}
	return 0
}

func encodeVoxel(b []byte, value float64, datatype int16, order binary.ByteOrder) {
	switch datatype {
	case Uint8:
		b[0] = uint8(math.Round(value))
	case Int8:
		b[0] = uint8(int8(math.Round(value)))
	case Int16:
		order.PutUint16(b, uint16(int16(math.Round(value))))
	case Uint16:
		order.PutUint16(b, uint16(math.Round(value)))
	case Int32:
		order.PutUint32(b, uint32(int32(math.Round(value))))
	case Uint32:
		order.PutUint32(b, uint32(math.Round(value)))
	case Float32:
		order.PutUint32(b, math.Float32bits(float32(value)))
	case Float64:
		order.PutUint64(b, math.Float64bits(value))
	}
}

func int16At(hdr []byte, order binary.ByteOrder, off int) int16 {
	return int16(order.Uint16(hdr[off:]))
}

func float32At(hdr []byte, order binary.ByteOrder, off int) float32 {
	return math.Float32frombits(order.Uint32(hdr[off:]))
}

func putInt16(hdr []byte, order binary.ByteOrder, off int, v int16) {
	order.PutUint16(hdr[off:], uint16(v))
}

func putFloat32(hdr []byte, order binary.ByteOrder, off int, v float32) {
	order.PutUint32(hdr[off:], math.Float32bits(v))
}
