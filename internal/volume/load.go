package volume

import (
	"bytes"
	"image"
	"image/color"
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/Veraticus/mriseg/internal/apperr"
)

// DefaultMaxFileSize is the default upload size limit in bytes.
const DefaultMaxFileSize = 100 * 1024 * 1024

// allowedExtensions maps accepted file extensions to the kind they decode to.
var allowedExtensions = map[string]Kind{
	".nii":    KindVolumetric,
	".nii.gz": KindVolumetric,
	".png":    KindFlatImage,
	".jpg":    KindFlatImage,
	".jpeg":   KindFlatImage,
}

// AllowedExtensions returns the accepted file extensions in sorted order.
func AllowedExtensions() []string {
	exts := make([]string, 0, len(allowedExtensions))
	for ext := range allowedExtensions {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Extension returns the lower-cased extension of filename, treating .nii.gz as one extension.
func Extension(filename string) string {
	lower := strings.ToLower(filename)
	if strings.HasSuffix(lower, ".nii.gz") {
		return ".nii.gz"
	}
	return filepath.Ext(lower)
}

// KindForFilename returns the kind a filename decodes to, or InvalidArgument
// when its extension is not accepted.
func KindForFilename(filename string) (Kind, error) {
	kind, ok := allowedExtensions[Extension(filename)]
	if !ok {
		return "", apperr.New(apperr.InvalidArgument, "volume.Load",
			"File type not allowed. Allowed: %s", strings.Join(AllowedExtensions(), ", "))
	}
	return kind, nil
}

// Loader validates and decodes uploads.
type Loader struct {
	maxBytes int64
}

// NewLoader creates a loader that rejects uploads larger than maxBytes.
// A non-positive limit selects DefaultMaxFileSize.
func NewLoader(maxBytes int64) *Loader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileSize
	}
	return &Loader{maxBytes: maxBytes}
}

// MaxBytes returns the upload size limit.
func (l *Loader) MaxBytes() int64 {
	return l.maxBytes
}

// Load validates filename and size, then decodes data into a Volume.
// Every failure is InvalidArgument; nothing is retained on failure.
func (l *Loader) Load(filename string, data []byte) (*Volume, error) {
	kind, err := KindForFilename(filename)
	if err != nil {
		return nil, err
	}

	if int64(len(data)) > l.maxBytes {
		return nil, apperr.New(apperr.InvalidArgument, "volume.Load",
			"File too large. Maximum size: %s", humanize.IBytes(uint64(l.maxBytes)))
	}
	if len(data) == 0 {
		return nil, apperr.New(apperr.InvalidArgument, "volume.Load", "Uploaded file is empty")
	}

	var vol *Volume
	switch kind {
	case KindVolumetric:
		vol, err = loadNIfTI(data)
	case KindFlatImage:
		vol, err = loadImage(data)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidArgument, "volume.Load", err,
			"Failed to read file: %v", err)
	}

	vol.Filename = filepath.Base(filename)
	return vol, nil
}

func loadNIfTI(data []byte) (*Volume, error) {
	h, slices, err := decodeNIfTI(data)
	if err != nil {
		return nil, err
	}
	return &Volume{
		Kind:       KindVolumetric,
		Dimensions: h.dimensions(),
		Slices:     slices,
		Affine:     h.affine(),
		header:     h,
	}, nil
}

func loadImage(data []byte) (*Volume, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	plane := grayPlane(img)
	return &Volume{
		Kind:       KindFlatImage,
		Dimensions: []int{plane.Height, plane.Width},
		Slices:     []*Plane{plane},
		Affine:     identityAffine(),
	}, nil
}

// grayPlane converts any image to 8-bit luminance intensities.
func grayPlane(img image.Image) *Plane {
	b := img.Bounds()
	p := NewPlane(b.Dx(), b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g, _ := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			p.Set(x-b.Min.X, y-b.Min.Y, float32(g.Y))
		}
	}
	return p
}

func identityAffine() [4][4]float64 {
	return [4][4]float64{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}
}
