// Package render composes display images for segmented slices.
//
// All output is a pure function of the session result and request
// parameters: identical inputs produce byte-identical PNGs.
package render

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"math"

	"github.com/Veraticus/mriseg/internal/apperr"
	"github.com/Veraticus/mriseg/internal/classes"
	"github.com/Veraticus/mriseg/internal/session"
	"github.com/Veraticus/mriseg/internal/volume"
)

// DefaultAlpha is the overlay blend factor used when none is requested.
const DefaultAlpha = 0.5

// Slice is the rendered view of one slice.
type Slice struct {
	SliceIndex int
	Original   []byte // 8-bit gray PNG
	Mask       []byte // RGB PNG of class colors
	Overlay    []byte // RGB PNG blend of Original and Mask
	Statistics []classes.Stat
}

// Compositor renders slices of segmented sessions.
type Compositor struct {
	store *session.Store
}

// NewCompositor creates a compositor reading from store.
func NewCompositor(store *session.Store) *Compositor {
	return &Compositor{store: store}
}

// Render produces the original, mask, and overlay images for one slice.
// It fails with NotFound for unknown or unsegmented sessions, OutOfRange for
// a bad index, and InvalidArgument for alpha outside [0, 1].
func (c *Compositor) Render(id string, sliceIndex int, alpha float64) (*Slice, error) {
	const op = "render.Render"

	if err := ValidateAlpha(op, alpha); err != nil {
		return nil, err
	}

	_, result, err := Segmented(c.store, op, id)
	if err != nil {
		return nil, err
	}
	if err := CheckIndex(op, sliceIndex, result.NumSlices()); err != nil {
		return nil, err
	}

	gray := result.Display[sliceIndex]
	mask := result.Masks[sliceIndex]

	overlay, err := Overlay(gray, mask, alpha)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, op, err, "Failed to render slice")
	}

	original, err := EncodePNG(gray)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, op, err, "Failed to encode slice")
	}
	colored, err := EncodePNG(ColorMask(mask))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, op, err, "Failed to encode mask")
	}
	blended, err := EncodePNG(overlay)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, op, err, "Failed to encode overlay")
	}

	return &Slice{
		SliceIndex: sliceIndex,
		Original:   original,
		Mask:       colored,
		Overlay:    blended,
		Statistics: classes.Tally(mask),
	}, nil
}

// Segmented returns the session and its result, or NotFound if either is missing.
func Segmented(store *session.Store, op, id string) (*session.Session, *session.Result, error) {
	sess, err := store.Get(id)
	if err != nil {
		return nil, nil, err
	}
	result := sess.Result()
	if result == nil {
		return nil, nil, apperr.New(apperr.NotFound, op,
			"Segmentation results not found. Run segmentation first")
	}
	return sess, result, nil
}

// ValidateAlpha rejects blend factors outside [0, 1], including NaN.
func ValidateAlpha(op string, alpha float64) error {
	if math.IsNaN(alpha) || alpha < 0 || alpha > 1 {
		return apperr.New(apperr.InvalidArgument, op,
			"overlay_alpha must be between 0.0 and 1.0, got %v", alpha)
	}
	return nil
}

// CheckIndex rejects slice indices outside [0, n).
func CheckIndex(op string, index, n int) error {
	if index < 0 || index >= n {
		return apperr.New(apperr.OutOfRange, op,
			"Slice index %d out of range (0-%d)", index, n-1)
	}
	return nil
}

// ColorMask maps every label to its class color.
func ColorMask(m *volume.Mask) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, m.Width, m.Height))
	for i, l := range m.Labels {
		c := classes.Color(l)
		o := i * 4
		img.Pix[o] = c[0]
		img.Pix[o+1] = c[1]
		img.Pix[o+2] = c[2]
		img.Pix[o+3] = 0xff
	}
	return img
}

// Overlay blends class colors over the gray image where the label is not
// background: out = (1-alpha)*gray + alpha*color, truncated to 8 bits.
// Background pixels keep the gray value.
func Overlay(gray *image.Gray, m *volume.Mask, alpha float64) (*image.RGBA, error) {
	b := gray.Bounds()
	if b.Dx() != m.Width || b.Dy() != m.Height {
		return nil, fmt.Errorf("mask is %dx%d, image is %dx%d", m.Width, m.Height, b.Dx(), b.Dy())
	}

	img := image.NewRGBA(image.Rect(0, 0, m.Width, m.Height))
	for y := range m.Height {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+m.Width]
		for x := range m.Width {
			g := row[x]
			o := (y*m.Width + x) * 4
			l := m.Labels[y*m.Width+x]
			if l == classes.Background {
				img.Pix[o], img.Pix[o+1], img.Pix[o+2] = g, g, g
			} else {
				c := classes.Color(l)
				img.Pix[o] = blend(g, c[0], alpha)
				img.Pix[o+1] = blend(g, c[1], alpha)
				img.Pix[o+2] = blend(g, c[2], alpha)
			}
			img.Pix[o+3] = 0xff
		}
	}
	return img, nil
}

func blend(base, over uint8, alpha float64) uint8 {
	return uint8((1-alpha)*float64(base) + alpha*float64(over))
}

// EncodePNG encodes img with default compression.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DataURL wraps PNG bytes as a data:image/png;base64 URL.
func DataURL(pngData []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngData)
}
