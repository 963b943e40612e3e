package volume

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"math"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNIfTIHeader_Size(t *testing.T) {
	assert.Equal(t, niftiHeaderSize, binary.Size(niftiHeader{}))
}

// rawNIfTI builds an uncompressed single-file NIfTI in the given byte order.
func rawNIfTI(t *testing.T, order binary.ByteOrder, h *niftiHeader, voxels any) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, order, h))
	buf.Write([]byte{0, 0, 0, 0})
	require.NoError(t, binary.Write(&buf, order, voxels))
	return buf.Bytes()
}

func TestDecodeNIfTI_BigEndianInt16WithScaling(t *testing.T) {
	h := newNIfTIHeader(2, 3, 2, [3]float32{1, 1, 1})
	h.Datatype = dtInt16
	h.Bitpix = 16
	h.SclSlope = 2
	h.SclInter = 10

	voxels := make([]int16, 2*3*2)
	for i := range voxels {
		voxels[i] = int16(i)
	}
	data := rawNIfTI(t, binary.BigEndian, h, voxels)

	hdr, slices, err := decodeNIfTI(data)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 2}, hdr.dimensions())
	require.Len(t, slices, 2)

	// Voxel (x=1, y=2, z=1) has linear index 1 + 2*2 + 1*6 = 11.
	p := slices[1]
	assert.Equal(t, 3, p.Width)
	assert.Equal(t, 2, p.Height)
	assert.InDelta(t, 11*2+10, p.At(2, 1), 1e-6)
	// Voxel (x=0, y=0, z=0).
	assert.InDelta(t, 10, slices[0].At(0, 0), 1e-6)
}

func TestDecodeNIfTI_Rejects(t *testing.T) {
	good := newNIfTIHeader(2, 2, 1, [3]float32{1, 1, 1})

	tests := []struct {
		name   string
		mutate func(h *niftiHeader)
		data   func(h *niftiHeader) []byte
	}{
		{
			name: "too short",
			data: func(*niftiHeader) []byte { return []byte{1, 2, 3} },
		},
		{
			name:   "bad magic",
			mutate: func(h *niftiHeader) { h.Magic = [4]byte{'n', 'i', '1', 0} },
		},
		{
			name:   "unsupported datatype",
			mutate: func(h *niftiHeader) { h.Datatype = 32 },
		},
		{
			name:   "too many voxels",
			mutate: func(h *niftiHeader) { h.Dim = [8]int16{3, 4096, 4096, 8, 1, 1, 1, 1} },
		},
		{
			name:   "vox_offset past extension limit",
			mutate: func(h *niftiHeader) { h.VoxOffset = float32(niftiDataOffset + maxNIfTIExtension + 4) },
		},
		{
			name: "truncated voxels",
			data: func(h *niftiHeader) []byte {
				d := rawNIfTI(t, binary.LittleEndian, h, make([]float32, 4))
				return d[:len(d)-3]
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := *good
			if tt.mutate != nil {
				tt.mutate(&h)
			}
			var data []byte
			if tt.data != nil {
				data = tt.data(&h)
			} else {
				data = rawNIfTI(t, binary.LittleEndian, &h, make([]float32, 4))
			}
			_, _, err := decodeNIfTI(data)
			assert.Error(t, err)
		})
	}
}

func TestAffine_Precedence(t *testing.T) {
	h := newNIfTIHeader(4, 4, 4, [3]float32{2, 3, 4})
	h.SrowX = [4]float32{-2, 0, 0, 10}
	a := h.affine()
	assert.InDelta(t, -2, a[0][0], 1e-9)
	assert.InDelta(t, 10, a[0][3], 1e-9)

	// qform with the identity quaternion and a flipped slice axis.
	h.SformCode = 0
	h.QformCode = 1
	h.Pixdim[0] = -1
	h.QoffsetX, h.QoffsetY, h.QoffsetZ = 1, 2, 3
	a = h.affine()
	assert.InDelta(t, 2, a[0][0], 1e-9)
	assert.InDelta(t, 3, a[1][1], 1e-9)
	assert.InDelta(t, -4, a[2][2], 1e-9)
	assert.InDelta(t, 3, a[2][3], 1e-9)

	// 180 degree rotation about z: quaternion (0, 0, 0, 1).
	h.Pixdim[0] = 1
	h.QuaternD = 1
	a = h.affine()
	assert.InDelta(t, -2, a[0][0], 1e-6)
	assert.InDelta(t, -3, a[1][1], 1e-6)
	assert.InDelta(t, 4, a[2][2], 1e-6)

	// Neither form: pixdim diagonal.
	h.QformCode = 0
	a = h.affine()
	assert.InDelta(t, 2, a[0][0], 1e-9)
	assert.InDelta(t, 4, a[2][2], 1e-9)
	assert.InDelta(t, 0, a[0][3], 1e-9)
}

func TestReadVoxel_Types(t *testing.T) {
	le := binary.LittleEndian
	f64 := make([]byte, 8)
	le.PutUint64(f64, math.Float64bits(-1.5))

	assert.InDelta(t, 200, readVoxel([]byte{200}, dtUint8, le), 0)
	assert.InDelta(t, -56, readVoxel([]byte{200}, dtInt8, le), 0)
	assert.InDelta(t, 65535, readVoxel([]byte{0xff, 0xff}, dtUint16, le), 0)
	assert.InDelta(t, -1, readVoxel([]byte{0xff, 0xff}, dtInt16, le), 0)
	assert.InDelta(t, -1.5, readVoxel(f64, dtFloat64, le), 0)
}

// gzipWithPadding compresses data followed by padding zero bytes.
func gzipWithPadding(t *testing.T, data []byte, padding int) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)

	zeros := make([]byte, 1<<20)
	for padding > 0 {
		n := min(padding, len(zeros))
		_, err := zw.Write(zeros[:n])
		require.NoError(t, err)
		padding -= n
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDecodeNIfTI_GzipInflatesOnlyDeclaredBytes(t *testing.T) {
	h := newNIfTIHeader(1, 1, 1, [3]float32{1, 1, 1})
	raw := rawNIfTI(t, binary.LittleEndian, h, []float32{7})
	data := gzipWithPadding(t, raw, 128<<20)
	require.Less(t, len(data), 1<<20, "padding compresses to a small upload")

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)

	_, slices, err := decodeNIfTI(data)

	runtime.ReadMemStats(&after)
	require.NoError(t, err)
	require.Len(t, slices, 1)
	assert.InDelta(t, 7, slices[0].At(0, 0), 1e-6)
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(16<<20),
		"trailing padding must not be inflated")
}

func TestDecodeNIfTI_GzipTruncated(t *testing.T) {
	h := newNIfTIHeader(4, 4, 2, [3]float32{1, 1, 1})
	raw := rawNIfTI(t, binary.LittleEndian, h, make([]float32, 4*4*2))

	t.Run("short voxel data", func(t *testing.T) {
		_, _, err := decodeNIfTI(gzipWithPadding(t, raw[:len(raw)-8], 0))
		assert.ErrorContains(t, err, "truncated voxel data")
	})

	t.Run("short header", func(t *testing.T) {
		_, _, err := decodeNIfTI(gzipWithPadding(t, raw[:100], 0))
		assert.ErrorIs(t, err, ErrNotNIfTI)
	})
}
