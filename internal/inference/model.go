// Package inference defines the segmentation model contract and its backends.
//
// A Model maps preprocessed, normalized input planes to label masks of the
// same size. Two backends are provided: IntensityModel, a deterministic
// in-process model used for development and tests, and ExecModel, which
// delegates to an external worker process speaking a JSON protocol on
// stdin/stdout.
package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/Veraticus/mriseg/internal/volume"
)

// Backend names accepted by New.
const (
	BackendIntensity = "intensity"
	BackendExec      = "exec"
)

var (
	// ErrNoInput indicates Predict was called without planes.
	ErrNoInput = errors.New("no input planes")

	// ErrMalformedOutput indicates the model returned masks that do not match its inputs.
	ErrMalformedOutput = errors.New("malformed model output")
)

// Model segments normalized planes. Implementations must be safe for concurrent use.
type Model interface {
	// Predict returns one mask per plane, in order, each the size of its plane.
	Predict(ctx context.Context, planes []*volume.Plane) ([]*volume.Mask, error)

	// Info reports model health.
	Info() Info
}

// Info describes the loaded model for health reporting.
type Info struct {
	Backend      string `json:"backend"`
	Loaded       bool   `json:"model_loaded"`
	GPUAvailable bool   `json:"gpu_available"`
	Device       string `json:"device"`
	NumClasses   int    `json:"num_classes"`
}

// CheckOutput verifies masks line up with planes and carry labels below numClasses.
func CheckOutput(planes []*volume.Plane, masks []*volume.Mask, numClasses int) error {
	if len(masks) != len(planes) {
		return fmt.Errorf("%w: %d masks for %d planes", ErrMalformedOutput, len(masks), len(planes))
	}
	for i, m := range masks {
		p := planes[i]
		if m == nil || m.Width != p.Width || m.Height != p.Height || len(m.Labels) != p.Width*p.Height {
			return fmt.Errorf("%w: mask %d does not match its %dx%d plane", ErrMalformedOutput, i, p.Width, p.Height)
		}
		if maxLabel := int(m.MaxLabel()); maxLabel >= numClasses {
			return fmt.Errorf("%w: mask %d has label %d, model has %d classes", ErrMalformedOutput, i, maxLabel, numClasses)
		}
	}
	return nil
}
