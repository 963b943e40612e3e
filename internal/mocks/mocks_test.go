package mocks_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/mriseg/internal/mocks"
	"github.com/Veraticus/mriseg/internal/volume"
)

func TestMockModel(t *testing.T) {
	m := mocks.NewMockModel(4)
	planes := []*volume.Plane{volume.NewPlane(2, 3)}

	masks, err := m.Predict(context.Background(), planes)
	require.NoError(t, err)
	assert.Equal(t, []uint8{4, 4, 4, 4, 4, 4}, masks[0].Labels)

	m.SetError(errors.New("gpu on fire"))
	_, err = m.Predict(context.Background(), planes)
	assert.EqualError(t, err, "gpu on fire")

	m.SetError(nil)
	m.SetPanic("boom")
	assert.PanicsWithValue(t, "boom", func() {
		_, _ = m.Predict(context.Background(), planes)
	})

	calls := m.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, 2, calls[0].Width)
	assert.Equal(t, 3, calls[0].Height)
}

func TestMockModel_Hold(t *testing.T) {
	m := mocks.NewMockModel(1)
	release := m.Hold()

	done := make(chan error, 1)
	go func() {
		_, err := m.Predict(context.Background(), []*volume.Plane{volume.NewPlane(1, 1)})
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("Predict returned before release")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	release()
	require.NoError(t, <-done)

	// Held calls honor cancellation.
	m.Hold()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Predict(ctx, []*volume.Plane{volume.NewPlane(1, 1)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVolumeBuilder(t *testing.T) {
	vol, err := mocks.NewVolumeBuilder(mocks.WithSlices(5), mocks.WithSize(8, 6)).Build()
	require.NoError(t, err)
	assert.Equal(t, volume.KindVolumetric, vol.Kind)
	assert.Equal(t, 5, vol.NumSlices())
	assert.Equal(t, 8, vol.Slices[0].Width)
	assert.Equal(t, 6, vol.Slices[0].Height)

	flat, err := mocks.NewVolumeBuilder(mocks.AsFlatImage(), mocks.WithSize(4, 4)).Build()
	require.NoError(t, err)
	assert.Equal(t, volume.KindFlatImage, flat.Kind)
	assert.Equal(t, 1, flat.NumSlices())
	assert.Equal(t, "test.png", flat.Filename)
}
