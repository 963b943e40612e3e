// Package mocks provides test doubles for the segmentation service.
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/Veraticus/mriseg/internal/inference"
	"github.com/Veraticus/mriseg/internal/volume"
)

// Compile-time checks to ensure mocks implement their interfaces.
var (
	_ inference.Model = (*MockModel)(nil)
)

// PredictCall records a call to the model.
type PredictCall struct {
	Timestamp time.Time
	Planes    int
	Width     int
	Height    int
}

// MockModel is a test implementation of inference.Model.
//
// By default it labels every pixel with Label. A gate, when set, holds each
// call until released or until the context ends.
type MockModel struct {
	mu     sync.Mutex
	calls  []PredictCall
	label  uint8
	err    error
	panicV any
	delay  time.Duration
	gate   chan struct{}
	info   inference.Info

	// PredictFunc allows tests to provide custom predict behavior.
	PredictFunc func(ctx context.Context, planes []*volume.Plane) ([]*volume.Mask, error)
}

// NewMockModel creates a mock model that labels every pixel with label.
func NewMockModel(label uint8) *MockModel {
	return &MockModel{
		label: label,
		info: inference.Info{
			Backend:    "mock",
			Loaded:     true,
			Device:     "cpu",
			NumClasses: 10,
		},
	}
}

// Predict implements inference.Model.
func (m *MockModel) Predict(ctx context.Context, planes []*volume.Plane) ([]*volume.Mask, error) {
	m.mu.Lock()
	call := PredictCall{Timestamp: time.Now(), Planes: len(planes)}
	if len(planes) > 0 {
		call.Width, call.Height = planes[0].Width, planes[0].Height
	}
	m.calls = append(m.calls, call)
	fn := m.PredictFunc
	err := m.err
	panicV := m.panicV
	delay := m.delay
	gate := m.gate
	label := m.label
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if panicV != nil {
		panic(panicV)
	}
	if err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(ctx, planes)
	}

	masks := make([]*volume.Mask, len(planes))
	for i, p := range planes {
		mask := volume.NewMask(p.Width, p.Height)
		for j := range mask.Labels {
			mask.Labels[j] = label
		}
		masks[i] = mask
	}
	return masks, nil
}

// Info implements inference.Model.
func (m *MockModel) Info() inference.Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// SetInfo overrides the reported health info.
func (m *MockModel) SetInfo(info inference.Info) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info = info
}

// SetError makes every subsequent call fail with err. Nil clears it.
func (m *MockModel) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetPanic makes every subsequent call panic with v. Nil clears it.
func (m *MockModel) SetPanic(v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panicV = v
}

// SetDelay makes every subsequent call sleep for d, honoring cancellation.
func (m *MockModel) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Hold makes subsequent calls block until the returned release func is called.
func (m *MockModel) Hold() (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.gate = gate
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.gate == gate {
				m.gate = nil
			}
			m.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns a copy of all recorded calls.
func (m *MockModel) Calls() []PredictCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PredictCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of recorded calls.
func (m *MockModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
