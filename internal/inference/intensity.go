package inference

import (
	"context"
	"fmt"

	"github.com/Veraticus/mriseg/internal/volume"
)

// backgroundCutoff is the normalized intensity below which pixels are background.
const backgroundCutoff = 0.15

// IntensityModel labels pixels by normalized intensity band.
// Band 0 is background; the remaining range is split evenly over classes 1..K-1.
type IntensityModel struct {
	numClasses int
}

// NewIntensityModel creates an intensity-band model with numClasses classes, background included.
func NewIntensityModel(numClasses int) (*IntensityModel, error) {
	if numClasses < 2 || numClasses > 256 {
		return nil, fmt.Errorf("intensity model needs 2 to 256 classes, got %d", numClasses)
	}
	return &IntensityModel{numClasses: numClasses}, nil
}

// Predict implements Model.
func (m *IntensityModel) Predict(ctx context.Context, planes []*volume.Plane) ([]*volume.Mask, error) {
	if len(planes) == 0 {
		return nil, ErrNoInput
	}

	bands := float32(m.numClasses - 1)
	masks := make([]*volume.Mask, len(planes))
	for i, p := range planes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p == nil {
			return nil, fmt.Errorf("plane %d is nil", i)
		}

		mask := volume.NewMask(p.Width, p.Height)
		for j, v := range p.Pix {
			if !(v >= backgroundCutoff) { // NaN is background
				continue
			}
			band := int((v - backgroundCutoff) / (1 - backgroundCutoff) * bands)
			if band >= m.numClasses-1 {
				band = m.numClasses - 2
			}
			mask.Labels[j] = uint8(band + 1)
		}
		masks[i] = mask
	}
	return masks, nil
}

// Info implements Model.
func (m *IntensityModel) Info() Info {
	return Info{
		Backend:    BackendIntensity,
		Loaded:     true,
		Device:     "cpu",
		NumClasses: m.numClasses,
	}
}
