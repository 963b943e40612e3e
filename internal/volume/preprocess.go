package volume

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// Prepared holds a volume's slices ready for inference and display.
type Prepared struct {
	Inputs  []*Plane      // Model inputs, inputSize square, normalized to [0,1]
	Display []*image.Gray // Display rasters, displaySize square, 8-bit
}

// Preprocess orients, resamples, and normalizes every slice of v.
// Volumetric slices are rotated 90 degrees clockwise into display orientation.
func Preprocess(v *Volume, inputSize, displaySize int) (*Prepared, error) {
	if inputSize <= 0 || displaySize <= 0 {
		return nil, fmt.Errorf("invalid sizes: input %d, display %d", inputSize, displaySize)
	}

	out := &Prepared{
		Inputs:  make([]*Plane, len(v.Slices)),
		Display: make([]*image.Gray, len(v.Slices)),
	}
	for i, slice := range v.Slices {
		p := slice
		if v.Kind == KindVolumetric {
			p = p.RotateCW()
		}
		in := p.Resize(inputSize, inputSize, draw.BiLinear).Normalize()
		out.Inputs[i] = in
		out.Display[i] = in.Resize(displaySize, displaySize, draw.CatmullRom).Gray()
	}
	return out, nil
}

// Resize resamples the plane to width x height, keeping its intensity range.
func (p *Plane) Resize(width, height int, interp draw.Interpolator) *Plane {
	if p.Width == width && p.Height == height {
		out := NewPlane(width, height)
		copy(out.Pix, p.Pix)
		return out
	}

	lo, hi := p.MinMax()
	out := NewPlane(width, height)
	if hi <= lo {
		for i := range out.Pix {
			out.Pix[i] = lo
		}
		return out
	}

	src := image.NewGray16(image.Rect(0, 0, p.Width, p.Height))
	scale := float64(hi - lo)
	for i, v := range p.Pix {
		g := uint16((float64(v-lo) / scale) * 65535)
		src.Pix[2*i] = uint8(g >> 8)
		src.Pix[2*i+1] = uint8(g)
	}

	dst := image.NewGray16(image.Rect(0, 0, width, height))
	interp.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	for i := range out.Pix {
		g := uint16(dst.Pix[2*i])<<8 | uint16(dst.Pix[2*i+1])
		out.Pix[i] = lo + float32(float64(g)/65535*scale)
	}
	return out
}

// Gray converts the plane to an 8-bit raster after min-max normalization.
// Values truncate toward zero; a constant plane renders black.
func (p *Plane) Gray() *image.Gray {
	n := p.Normalize()
	img := image.NewGray(image.Rect(0, 0, p.Width, p.Height))
	for i, v := range n.Pix {
		img.Pix[i] = uint8(v * 255)
	}
	return img
}

// Resize resamples the mask to width x height with nearest-neighbour lookup,
// so class ids are never blended.
func (m *Mask) Resize(width, height int) *Mask {
	out := NewMask(width, height)
	if m.Width == width && m.Height == height {
		copy(out.Labels, m.Labels)
		return out
	}

	src := &image.Gray{Pix: m.Labels, Stride: m.Width, Rect: image.Rect(0, 0, m.Width, m.Height)}
	dst := &image.Gray{Pix: out.Labels, Stride: width, Rect: image.Rect(0, 0, width, height)}
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return out
}

// ToSource maps a display-space mask back to the source slice geometry of v,
// undoing the resampling and the volumetric rotation applied by Preprocess.
func (v *Volume) ToSource(m *Mask) *Mask {
	first := v.Slices[0]
	if v.Kind != KindVolumetric {
		return m.Resize(first.Width, first.Height)
	}
	// The rotated slice is first.Height wide and first.Width tall.
	return m.Resize(first.Height, first.Width).RotateCCW()
}
