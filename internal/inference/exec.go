package inference

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/Veraticus/mriseg/internal/command"
	"github.com/Veraticus/mriseg/internal/volume"
)

// DefaultExecTimeout bounds a single worker invocation.
const DefaultExecTimeout = 5 * time.Minute

// ExecConfig configures an external model worker.
type ExecConfig struct {
	Command    string        // Worker executable
	Args       []string      // Worker arguments
	Device     string        // Preferred device, e.g. "cuda" or "cpu"
	NumClasses int           // Number of classes, background included
	Timeout    time.Duration // Per-invocation bound
}

// runner executes the worker (allows mocking in tests).
type runner interface {
	Run(ctx context.Context, name string, args []string, stdin []byte, timeout time.Duration) ([]byte, error)
}

type commandRunner struct{}

func (commandRunner) Run(ctx context.Context, name string, args []string, stdin []byte, timeout time.Duration) ([]byte, error) {
	out, err := command.NewCommand(name, args...).
		WithStdin(stdin).
		WithTimeout(timeout).
		Output(ctx)
	if err != nil {
		return nil, fmt.Errorf("worker execution failed: %w", err)
	}
	return out, nil
}

// wirePlane is one float32 little-endian raster, base64-encoded.
type wirePlane struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Data   string `json:"data"`
}

type predictRequest struct {
	Probe      bool        `json:"probe,omitempty"`
	Device     string      `json:"device"`
	NumClasses int         `json:"num_classes"`
	Slices     []wirePlane `json:"slices,omitempty"`
}

type predictResponse struct {
	Masks        []wirePlane `json:"masks"`
	Device       string      `json:"device"`
	GPUAvailable bool        `json:"gpu_available"`
	Error        string      `json:"error,omitempty"`
}

// ExecModel runs inference in an external worker process. Each Predict call
// starts the worker, writes one JSON request to stdin, and reads one JSON
// response from stdout.
type ExecModel struct {
	config ExecConfig
	runner runner
	logger *slog.Logger

	mu   sync.RWMutex
	info Info
}

// NewExecModel creates an exec-backed model. Call Probe to populate health info.
func NewExecModel(config ExecConfig) (*ExecModel, error) {
	if config.Command == "" {
		return nil, fmt.Errorf("model command cannot be empty")
	}
	if config.NumClasses < 2 || config.NumClasses > 256 {
		return nil, fmt.Errorf("model needs 2 to 256 classes, got %d", config.NumClasses)
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultExecTimeout
	}
	if config.Device == "" {
		config.Device = "cpu"
	}

	return &ExecModel{
		config: config,
		runner: commandRunner{},
		logger: slog.Default().With(slog.String("component", "inference.exec")),
		info: Info{
			Backend:    BackendExec,
			Device:     config.Device,
			NumClasses: config.NumClasses,
		},
	}, nil
}

// Probe asks the worker which device it will use. A failed probe leaves the
// model reported as not loaded but does not prevent later Predict calls.
func (m *ExecModel) Probe(ctx context.Context) error {
	resp, err := m.call(ctx, predictRequest{
		Probe:      true,
		Device:     m.config.Device,
		NumClasses: m.config.NumClasses,
	})

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.info.Loaded = false
		return fmt.Errorf("probe model worker: %w", err)
	}

	m.info.Loaded = true
	m.info.GPUAvailable = resp.GPUAvailable
	if resp.Device != "" {
		m.info.Device = resp.Device
	}

	m.logger.InfoContext(ctx, "Model worker ready",
		slog.String("device", m.info.Device),
		slog.Bool("gpu_available", m.info.GPUAvailable),
	)
	return nil
}

// Predict implements Model.
func (m *ExecModel) Predict(ctx context.Context, planes []*volume.Plane) ([]*volume.Mask, error) {
	if len(planes) == 0 {
		return nil, ErrNoInput
	}

	req := predictRequest{
		Device:     m.Info().Device,
		NumClasses: m.config.NumClasses,
		Slices:     make([]wirePlane, len(planes)),
	}
	for i, p := range planes {
		if p == nil {
			return nil, fmt.Errorf("plane %d is nil", i)
		}
		req.Slices[i] = encodePlane(p)
	}

	resp, err := m.call(ctx, req)
	if err != nil {
		return nil, err
	}

	masks := make([]*volume.Mask, len(resp.Masks))
	for i, w := range resp.Masks {
		mask, err := decodeMask(w)
		if err != nil {
			return nil, fmt.Errorf("mask %d: %w", i, err)
		}
		masks[i] = mask
	}

	if err := CheckOutput(planes, masks, m.config.NumClasses); err != nil {
		return nil, err
	}
	return masks, nil
}

// Info implements Model.
func (m *ExecModel) Info() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info
}

func (m *ExecModel) call(ctx context.Context, req predictRequest) (*predictResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode worker request: %w", err)
	}

	output, err := m.runner.Run(ctx, m.config.Command, m.config.Args, payload, m.config.Timeout)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("model worker: %w", ctxErr)
		}
		return nil, err
	}

	var resp predictResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if resp.Error != "" {
		return nil, errors.New("model worker: " + resp.Error)
	}
	return &resp, nil
}

func encodePlane(p *volume.Plane) wirePlane {
	buf := make([]byte, 4*len(p.Pix))
	for i, v := range p.Pix {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return wirePlane{
		Width:  p.Width,
		Height: p.Height,
		Data:   base64.StdEncoding.EncodeToString(buf),
	}
}

func decodeMask(w wirePlane) (*volume.Mask, error) {
	if w.Width <= 0 || w.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid size %dx%d", ErrMalformedOutput, w.Width, w.Height)
	}
	labels, err := base64.StdEncoding.DecodeString(w.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if len(labels) != w.Width*w.Height {
		return nil, fmt.Errorf("%w: %d labels for %dx%d", ErrMalformedOutput, len(labels), w.Width, w.Height)
	}
	return &volume.Mask{Width: w.Width, Height: w.Height, Labels: labels}, nil
}
