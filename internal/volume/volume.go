// Package volume decodes uploaded imaging artifacts into ordered 2-D slices.
//
// Two source kinds are supported: NIfTI-1 volumes (.nii, .nii.gz), whose third
// axis is the slice axis, and flat PNG/JPEG images, which load as a single
// slice. Slices keep their source orientation; display transforms are applied
// by Preprocess.
package volume

import (
	"fmt"
	"math"
)

// Kind identifies the source format of a volume. Its value is the wire name.
type Kind string

const (
	// KindVolumetric is a multi-slice NIfTI volume.
	KindVolumetric Kind = "nifti"
	// KindFlatImage is a single PNG or JPEG image.
	KindFlatImage Kind = "image"
)

// Plane is a single 2-D raster of intensities, row-major.
type Plane struct {
	Width  int
	Height int
	Pix    []float32
}

// NewPlane allocates a zeroed plane.
func NewPlane(width, height int) *Plane {
	return &Plane{
		Width:  width,
		Height: height,
		Pix:    make([]float32, width*height),
	}
}

// At returns the intensity at column x, row y.
func (p *Plane) At(x, y int) float32 {
	return p.Pix[y*p.Width+x]
}

// Set stores the intensity at column x, row y.
func (p *Plane) Set(x, y int, v float32) {
	p.Pix[y*p.Width+x] = v
}

// MinMax returns the smallest and largest intensities in the plane.
func (p *Plane) MinMax() (float32, float32) {
	if len(p.Pix) == 0 {
		return 0, 0
	}
	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range p.Pix {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// Normalize returns a copy scaled to [0,1]. A constant plane maps to zeros.
func (p *Plane) Normalize() *Plane {
	out := NewPlane(p.Width, p.Height)
	lo, hi := p.MinMax()
	if hi <= lo {
		return out
	}
	scale := hi - lo
	for i, v := range p.Pix {
		out.Pix[i] = (v - lo) / scale
	}
	return out
}

// RotateCW returns the plane rotated 90 degrees clockwise.
func (p *Plane) RotateCW() *Plane {
	out := NewPlane(p.Height, p.Width)
	for r := range out.Height {
		for c := range out.Width {
			out.Pix[r*out.Width+c] = p.Pix[(p.Height-1-c)*p.Width+r]
		}
	}
	return out
}

// Mask is a per-pixel class assignment, row-major.
type Mask struct {
	Width  int
	Height int
	Labels []uint8
}

// NewMask allocates a background-only mask.
func NewMask(width, height int) *Mask {
	return &Mask{
		Width:  width,
		Height: height,
		Labels: make([]uint8, width*height),
	}
}

// At returns the class id at column x, row y.
func (m *Mask) At(x, y int) uint8 {
	return m.Labels[y*m.Width+x]
}

// RotateCCW returns the mask rotated 90 degrees counter-clockwise,
// undoing Plane.RotateCW.
func (m *Mask) RotateCCW() *Mask {
	out := NewMask(m.Height, m.Width)
	for r := range out.Height {
		for c := range out.Width {
			out.Labels[r*out.Width+c] = m.Labels[c*m.Width+(m.Width-1-r)]
		}
	}
	return out
}

// MaxLabel returns the largest class id present.
func (m *Mask) MaxLabel() uint8 {
	var hi uint8
	for _, l := range m.Labels {
		if l > hi {
			hi = l
		}
	}
	return hi
}

// Volume is a loaded, immutable sequence of slices plus source metadata.
type Volume struct {
	Kind       Kind
	Filename   string
	Dimensions []int    // Source array shape
	Slices     []*Plane // Source orientation, index 0..N-1
	Affine     [4][4]float64

	header *niftiHeader // Source geometry; nil for flat images
}

// NumSlices returns the number of slices.
func (v *Volume) NumSlices() int {
	return len(v.Slices)
}

// Slice returns slice i, or an error when i is out of range.
func (v *Volume) Slice(i int) (*Plane, error) {
	if i < 0 || i >= len(v.Slices) {
		return nil, fmt.Errorf("slice index %d out of range [0,%d)", i, len(v.Slices))
	}
	return v.Slices[i], nil
}

// Info summarizes a volume for clients.
type Info struct {
	Filename   string `json:"filename"`
	FileType   string `json:"file_type"`
	Dimensions []int  `json:"dimensions"`
	NumSlices  int    `json:"num_slices"`
}

// Info returns the client-facing summary of the volume.
func (v *Volume) Info() Info {
	dims := make([]int, len(v.Dimensions))
	copy(dims, v.Dimensions)
	return Info{
		Filename:   v.Filename,
		FileType:   string(v.Kind),
		Dimensions: dims,
		NumSlices:  v.NumSlices(),
	}
}
