package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/mriseg/internal/config"
	"github.com/Veraticus/mriseg/internal/inference"
	"github.com/Veraticus/mriseg/internal/mocks"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Model.InputSize = 16
	cfg.Model.DisplaySize = 32
	cfg.Log.Level = "error"
	return cfg
}

func writeVolume(t *testing.T, opts ...mocks.VolumeOption) string {
	t.Helper()
	b := mocks.NewVolumeBuilder(opts...)
	data, err := b.Bytes()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), b.Filename())
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestInitializeComponents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := initializeComponents(ctx, testConfig())
	require.NoError(t, err)
	defer c.shutdown()

	assert.True(t, c.reaper.IsRunning())
	assert.Equal(t, inference.BackendIntensity, c.model.Info().Backend)

	srv := httptest.NewServer(c.server.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewModel_ExecProbeFailureIsDegraded(t *testing.T) {
	cfg := testConfig().Model
	cfg.Backend = inference.BackendExec
	cfg.Command = filepath.Join(t.TempDir(), "missing-worker")

	model, err := newModel(context.Background(), cfg)
	require.NoError(t, err)
	assert.False(t, model.Info().Loaded)
	assert.Equal(t, inference.BackendExec, model.Info().Backend)
}

func TestSegmentFile(t *testing.T) {
	t.Run("nifti", func(t *testing.T) {
		in := writeVolume(t, mocks.WithSlices(4))
		out := filepath.Join(t.TempDir(), "labels.nii.gz")

		var buf bytes.Buffer
		err := segmentFile(context.Background(), &buf, testConfig(), in, segmentFlags{
			out:    out,
			format: "nifti",
		})
		require.NoError(t, err)

		data, err := os.ReadFile(out)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x1f, 0x8b}, data[:2])
		assert.Contains(t, buf.String(), "4 slices")
		assert.Contains(t, buf.String(), "Superior Rectus")
	})

	t.Run("png overlay of flat image", func(t *testing.T) {
		in := writeVolume(t, mocks.AsFlatImage())
		out := filepath.Join(t.TempDir(), "overlay.png")

		var buf bytes.Buffer
		err := segmentFile(context.Background(), &buf, testConfig(), in, segmentFlags{
			out:        out,
			format:     "png",
			layer:      "overlay",
			sliceIndex: -1,
			alpha:      0.5,
		})
		require.NoError(t, err)

		data, err := os.ReadFile(out)
		require.NoError(t, err)
		assert.Equal(t, []byte("\x89PNG"), data[:4])
	})

	t.Run("nifti of flat image is unsupported", func(t *testing.T) {
		in := writeVolume(t, mocks.AsFlatImage())
		err := segmentFile(context.Background(), &bytes.Buffer{}, testConfig(), in, segmentFlags{
			out:    filepath.Join(t.TempDir(), "x.nii.gz"),
			format: "nifti",
		})
		assert.Error(t, err)
	})

	t.Run("unknown format", func(t *testing.T) {
		err := segmentFile(context.Background(), &bytes.Buffer{}, testConfig(), "unused", segmentFlags{format: "dicom"})
		assert.Error(t, err)
	})

	t.Run("missing input", func(t *testing.T) {
		err := segmentFile(context.Background(), &bytes.Buffer{}, testConfig(),
			filepath.Join(t.TempDir(), "absent.nii.gz"), segmentFlags{format: "nifti"})
		assert.Error(t, err)
	})
}

func TestPrintClasses(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printClasses(&buf, true))

	var defs []struct {
		ID       int    `json:"id"`
		FullName string `json:"full_name"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &defs))
	require.Len(t, defs, 10)
	assert.Equal(t, "Superior Rectus", defs[1].FullName)

	buf.Reset()
	require.NoError(t, printClasses(&buf, false))
	assert.Contains(t, buf.String(), "#ff0000")
}

func TestRootCmd_Classes(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"classes"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "Background")
}
