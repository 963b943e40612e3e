// Package export serializes segmentation results for download.
package export

import (
	"fmt"
	"strings"

	"github.com/Veraticus/mriseg/internal/apperr"
	"github.com/Veraticus/mriseg/internal/render"
	"github.com/Veraticus/mriseg/internal/session"
	"github.com/Veraticus/mriseg/internal/volume"
)

// Format is an export file format.
type Format string

// Supported formats.
const (
	FormatNIfTI Format = "nifti"
	FormatPNG   Format = "png"
)

// Layer selects what a PNG export shows.
type Layer string

// Supported PNG layers.
const (
	LayerMask    Layer = "mask"
	LayerOverlay Layer = "overlay"
)

// Request describes one export.
type Request struct {
	Format     Format
	SliceIndex int     // PNG only
	Layer      Layer   // PNG only; defaults to LayerMask
	Alpha      float64 // PNG overlay only
}

// Blob is an encoded export.
type Blob struct {
	Data        []byte
	ContentType string
	Filename    string
}

// ParseFormat maps a format name onto a Format, rejecting unknown names.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case FormatNIfTI, FormatPNG:
		return f, nil
	default:
		return "", apperr.New(apperr.UnsupportedFormat, "export.ParseFormat",
			"Unsupported export format %q. Supported: nifti, png", name)
	}
}

// ParseLayer maps a layer name onto a Layer. Empty selects LayerMask.
func ParseLayer(name string) (Layer, error) {
	switch l := Layer(strings.ToLower(strings.TrimSpace(name))); l {
	case "":
		return LayerMask, nil
	case LayerMask, LayerOverlay:
		return l, nil
	default:
		return "", apperr.New(apperr.InvalidArgument, "export.ParseLayer",
			"Unsupported layer %q. Supported: mask, overlay", name)
	}
}

// Encoder exports results of segmented sessions.
type Encoder struct {
	store *session.Store
}

// NewEncoder creates an encoder reading from store.
func NewEncoder(store *session.Store) *Encoder {
	return &Encoder{store: store}
}

// Export encodes the session's result in the requested format. It never
// modifies the session and may be repeated.
func (e *Encoder) Export(id string, req Request) (*Blob, error) {
	const op = "export.Export"

	if _, err := ParseFormat(string(req.Format)); err != nil {
		return nil, err
	}

	sess, result, err := render.Segmented(e.store, op, id)
	if err != nil {
		return nil, err
	}

	switch req.Format {
	case FormatNIfTI:
		return e.nifti(sess, result)
	default:
		return e.png(sess, result, req)
	}
}

func (e *Encoder) nifti(sess *session.Session, result *session.Result) (*Blob, error) {
	const op = "export.NIfTI"

	vol := sess.Volume
	if vol.Kind != volume.KindVolumetric {
		return nil, apperr.New(apperr.UnsupportedFormat, op,
			"NIfTI export requires a NIfTI upload; this session holds a %s. Use png", vol.Kind)
	}

	source := make([]*volume.Mask, len(result.Masks))
	for i, m := range result.Masks {
		source[i] = vol.ToSource(m)
	}

	data, err := vol.EncodeLabels(source)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, op, err, "Failed to encode NIfTI labels")
	}

	return &Blob{
		Data:        data,
		ContentType: "application/gzip",
		Filename:    fmt.Sprintf("segmentation_%s.nii.gz", sess.ID),
	}, nil
}

func (e *Encoder) png(sess *session.Session, result *session.Result, req Request) (*Blob, error) {
	const op = "export.PNG"

	layer, err := ParseLayer(string(req.Layer))
	if err != nil {
		return nil, err
	}
	if err := render.CheckIndex(op, req.SliceIndex, result.NumSlices()); err != nil {
		return nil, err
	}

	mask := result.Masks[req.SliceIndex]

	var data []byte
	switch layer {
	case LayerOverlay:
		if err := render.ValidateAlpha(op, req.Alpha); err != nil {
			return nil, err
		}
		img, err := render.Overlay(result.Display[req.SliceIndex], mask, req.Alpha)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, op, err, "Failed to render overlay")
		}
		data, err = render.EncodePNG(img)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, op, err, "Failed to encode PNG")
		}
	default:
		data, err = render.EncodePNG(render.ColorMask(mask))
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, op, err, "Failed to encode PNG")
		}
	}

	return &Blob{
		Data:        data,
		ContentType: "image/png",
		Filename:    fmt.Sprintf("segmentation_%s.png", sess.ID),
	}, nil
}
