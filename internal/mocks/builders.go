package mocks

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/Veraticus/mriseg/internal/volume"
)

// VolumeBuilder creates volume.Volume instances for testing.
type VolumeBuilder struct {
	kind     volume.Kind
	filename string
	width    int
	height   int
	slices   int
}

// VolumeOption is a functional option for VolumeBuilder.
type VolumeOption func(*VolumeBuilder)

// NewVolumeBuilder creates a builder for a 3-slice 16x16 volumetric gradient.
func NewVolumeBuilder(opts ...VolumeOption) *VolumeBuilder {
	b := &VolumeBuilder{
		kind:     volume.KindVolumetric,
		filename: "test.nii.gz",
		width:    16,
		height:   16,
		slices:   3,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// WithSlices sets the slice count. Flat images always have one slice.
func WithSlices(n int) VolumeOption {
	return func(b *VolumeBuilder) {
		b.slices = n
	}
}

// WithSize sets the in-plane size.
func WithSize(width, height int) VolumeOption {
	return func(b *VolumeBuilder) {
		b.width, b.height = width, height
	}
}

// AsFlatImage builds a single-slice PNG-backed volume.
func AsFlatImage() VolumeOption {
	return func(b *VolumeBuilder) {
		b.kind = volume.KindFlatImage
		b.filename = "test.png"
		b.slices = 1
	}
}

// WithFilename sets the upload filename.
func WithFilename(name string) VolumeOption {
	return func(b *VolumeBuilder) {
		b.filename = name
	}
}

// Bytes returns the encoded upload: NIfTI for volumetric, PNG for flat images.
func (b *VolumeBuilder) Bytes() ([]byte, error) {
	if b.kind == volume.KindFlatImage {
		return b.png()
	}

	raw := &volume.Volume{Kind: volume.KindVolumetric, Filename: b.filename}
	for k := range b.slices {
		p := volume.NewPlane(b.width, b.height)
		for y := range b.height {
			for x := range b.width {
				p.Set(x, y, float32(x+y+k))
			}
		}
		raw.Slices = append(raw.Slices, p)
	}
	return volume.EncodeVolume(raw)
}

// Build decodes Bytes through the real loader so the volume carries full geometry.
func (b *VolumeBuilder) Build() (*volume.Volume, error) {
	data, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	vol, err := volume.NewLoader(0).Load(b.filename, data)
	if err != nil {
		return nil, fmt.Errorf("load built volume: %w", err)
	}
	return vol, nil
}

// Filename returns the configured upload filename.
func (b *VolumeBuilder) Filename() string {
	return b.filename
}

func (b *VolumeBuilder) png() ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, b.width, b.height))
	for y := range b.height {
		for x := range b.width {
			img.SetGray(x, y, color.Gray{Y: uint8((x*255)/max(b.width-1, 1))})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
