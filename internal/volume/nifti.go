package volume

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	niftiHeaderSize   = 348
	niftiDataOffset   = 352 // header plus the 4-byte extension flag
	maxNIfTIVoxels    = 1 << 26
	maxNIfTIExtension = 1 << 20 // bytes of header extensions before the voxels
)

// NIfTI-1 datatype codes.
const (
	dtUint8   int16 = 2
	dtInt16   int16 = 4
	dtInt32   int16 = 8
	dtFloat32 int16 = 16
	dtFloat64 int16 = 64
	dtInt8    int16 = 256
	dtUint16  int16 = 512
	dtUint32  int16 = 768
)

var (
	// ErrNotNIfTI indicates the data does not carry a NIfTI-1 single-file header.
	ErrNotNIfTI = errors.New("not a NIfTI-1 file")

	// ErrUnsupportedDatatype indicates a voxel type this loader cannot decode.
	ErrUnsupportedDatatype = errors.New("unsupported NIfTI datatype")
)

// niftiHeader mirrors the 348-byte NIfTI-1 header layout.
type niftiHeader struct {
	SizeofHdr     int32
	DataType      [10]byte
	DbName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// newNIfTIHeader builds a minimal header for an x*y*z volume with the given voxel sizes.
func newNIfTIHeader(x, y, z int, pixdim [3]float32) *niftiHeader {
	h := &niftiHeader{
		SizeofHdr: niftiHeaderSize,
		Regular:   'r',
		Datatype:  dtFloat32,
		Bitpix:    32,
		VoxOffset: niftiDataOffset,
		SclSlope:  1,
		XyztUnits: 2, // millimetres
		SformCode: 1,
		QformCode: 0,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.Dim = [8]int16{3, int16(x), int16(y), int16(z), 1, 1, 1, 1}
	h.Pixdim = [8]float32{1, pixdim[0], pixdim[1], pixdim[2], 1, 1, 1, 1}
	h.SrowX = [4]float32{pixdim[0], 0, 0, 0}
	h.SrowY = [4]float32{0, pixdim[1], 0, 0}
	h.SrowZ = [4]float32{0, 0, pixdim[2], 0}
	return h
}

// shape returns the extents of the first three axes, defaulting missing axes to 1.
func (h *niftiHeader) shape() (int, int, int) {
	x, y, z := 1, 1, 1
	if h.Dim[0] >= 1 {
		x = int(h.Dim[1])
	}
	if h.Dim[0] >= 2 {
		y = int(h.Dim[2])
	}
	if h.Dim[0] >= 3 {
		z = int(h.Dim[3])
	}
	return x, y, z
}

// dimensions returns the full array shape as reported to clients.
func (h *niftiHeader) dimensions() []int {
	n := int(h.Dim[0])
	dims := make([]int, 0, n)
	for i := 1; i <= n; i++ {
		dims = append(dims, int(h.Dim[i]))
	}
	return dims
}

// affine derives the voxel-to-world transform: sform, then qform, then pixdim.
func (h *niftiHeader) affine() [4][4]float64 {
	var a [4][4]float64
	a[3][3] = 1

	if h.SformCode > 0 {
		for i := range 4 {
			a[0][i] = float64(h.SrowX[i])
			a[1][i] = float64(h.SrowY[i])
			a[2][i] = float64(h.SrowZ[i])
		}
		return a
	}

	dx, dy, dz := pixdimOrOne(h.Pixdim[1]), pixdimOrOne(h.Pixdim[2]), pixdimOrOne(h.Pixdim[3])

	if h.QformCode > 0 {
		b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
		w := 1 - (b*b + c*c + d*d)
		var qa float64
		if w > 1e-7 {
			qa = math.Sqrt(w)
		} else {
			// Re-normalize b,c,d so the quaternion stays unit length.
			norm := math.Sqrt(b*b + c*c + d*d)
			b, c, d = b/norm, c/norm, d/norm
		}
		qfac := 1.0
		if h.Pixdim[0] < 0 {
			qfac = -1
		}
		r := [3][3]float64{
			{qa*qa + b*b - c*c - d*d, 2 * (b*c - qa*d), 2 * (b*d + qa*c)},
			{2 * (b*c + qa*d), qa*qa + c*c - b*b - d*d, 2 * (c*d - qa*b)},
			{2 * (b*d - qa*c), 2 * (c*d + qa*b), qa*qa + d*d - c*c - b*b},
		}
		scale := [3]float64{dx, dy, dz * qfac}
		for i := range 3 {
			for j := range 3 {
				a[i][j] = r[i][j] * scale[j]
			}
		}
		a[0][3] = float64(h.QoffsetX)
		a[1][3] = float64(h.QoffsetY)
		a[2][3] = float64(h.QoffsetZ)
		return a
	}

	a[0][0], a[1][1], a[2][2] = dx, dy, dz
	return a
}

func pixdimOrOne(v float32) float64 {
	if v == 0 || math.IsNaN(float64(v)) {
		return 1
	}
	return math.Abs(float64(v))
}

// bytesPerVoxel returns the voxel width for a datatype, or 0 if unsupported.
func bytesPerVoxel(datatype int16) int {
	switch datatype {
	case dtUint8, dtInt8:
		return 1
	case dtInt16, dtUint16:
		return 2
	case dtInt32, dtUint32, dtFloat32:
		return 4
	case dtFloat64:
		return 8
	default:
		return 0
	}
}

// isGzip reports whether data starts with the gzip magic number.
func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

// niftiLayout is the voxel layout declared by a header.
type niftiLayout struct {
	x, y, z int
	width   int // Bytes per voxel
	offset  int // Start of voxel data
}

// size is the number of bytes the header says the file needs.
func (l niftiLayout) size() int {
	return l.offset + l.x*l.y*l.z*l.width
}

// decodeNIfTI parses a single-file NIfTI-1 image, gzip-compressed or not.
func decodeNIfTI(data []byte) (*niftiHeader, []*Plane, error) {
	if isGzip(data) {
		raw, err := gunzipNIfTI(data)
		if err != nil {
			return nil, nil, err
		}
		data = raw
	}

	h, order, layout, err := parseNIfTIHeader(data)
	if err != nil {
		return nil, nil, err
	}
	need := layout.size()
	if len(data) < need {
		return nil, nil, fmt.Errorf("truncated voxel data: have %d bytes, need %d", len(data), need)
	}
	x, y, z, width, offset := layout.x, layout.y, layout.z, layout.width, layout.offset

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	scaled := slope != 0 && !math.IsNaN(slope) && (slope != 1 || inter != 0)

	voxels := data[offset:need]
	slices := make([]*Plane, z)
	for k := range z {
		// Rows follow the first axis and columns the second, so row r, column c is voxel (r, c, k).
		p := NewPlane(y, x)
		for r := range x {
			for c := range y {
				idx := r + c*x + k*x*y
				v := readVoxel(voxels[idx*width:(idx+1)*width], h.Datatype, order)
				if scaled {
					v = v*slope + inter
				}
				p.Pix[r*y+c] = float32(v)
			}
		}
		slices[k] = p
	}

	return h, slices, nil
}

// gunzipNIfTI inflates the header, then at most the bytes that header
// declares. Trailing data past the voxel array is never inflated.
func gunzipNIfTI(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer func() { _ = zr.Close() }()

	head := make([]byte, niftiHeaderSize)
	n, err := io.ReadFull(zr, head)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return head[:n], nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}

	_, _, layout, err := parseNIfTIHeader(head)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(head)
	if _, err := io.Copy(&buf, io.LimitReader(zr, int64(layout.size()-niftiHeaderSize))); err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	return buf.Bytes(), nil
}

// parseNIfTIHeader validates the header at the start of data and returns
// the voxel layout it declares. Only the first niftiHeaderSize bytes are read.
func parseNIfTIHeader(data []byte) (*niftiHeader, binary.ByteOrder, niftiLayout, error) {
	var layout niftiLayout
	if len(data) < niftiHeaderSize {
		return nil, nil, layout, fmt.Errorf("%w: %d bytes is shorter than a header", ErrNotNIfTI, len(data))
	}

	order, err := detectByteOrder(data)
	if err != nil {
		return nil, nil, layout, err
	}

	h := &niftiHeader{}
	if err := binary.Read(bytes.NewReader(data[:niftiHeaderSize]), order, h); err != nil {
		return nil, nil, layout, fmt.Errorf("failed to read header: %w", err)
	}
	if h.Magic != [4]byte{'n', '+', '1', 0} {
		return nil, nil, layout, fmt.Errorf("%w: magic %q", ErrNotNIfTI, h.Magic[:3])
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		return nil, nil, layout, fmt.Errorf("%w: invalid dim[0]=%d", ErrNotNIfTI, h.Dim[0])
	}

	x, y, z := h.shape()
	if x <= 0 || y <= 0 || z <= 0 {
		return nil, nil, layout, fmt.Errorf("%w: invalid shape %dx%dx%d", ErrNotNIfTI, x, y, z)
	}
	if x*y*z > maxNIfTIVoxels {
		return nil, nil, layout, fmt.Errorf("volume of %d voxels exceeds limit of %d", x*y*z, maxNIfTIVoxels)
	}

	width := bytesPerVoxel(h.Datatype)
	if width == 0 {
		return nil, nil, layout, fmt.Errorf("%w: code %d", ErrUnsupportedDatatype, h.Datatype)
	}

	offset := int(h.VoxOffset)
	if offset < niftiHeaderSize {
		offset = niftiDataOffset
	}
	if offset > niftiDataOffset+maxNIfTIExtension {
		return nil, nil, layout, fmt.Errorf("%w: vox_offset %d exceeds limit", ErrNotNIfTI, offset)
	}

	return h, order, niftiLayout{x: x, y: y, z: z, width: width, offset: offset}, nil
}

func detectByteOrder(data []byte) (binary.ByteOrder, error) {
	if int32(binary.LittleEndian.Uint32(data[:4])) == niftiHeaderSize {
		return binary.LittleEndian, nil
	}
	if int32(binary.BigEndian.Uint32(data[:4])) == niftiHeaderSize {
		return binary.BigEndian, nil
	}
	return nil, fmt.Errorf("%w: bad sizeof_hdr", ErrNotNIfTI)
}

func readVoxel(b []byte, datatype int16, order binary.ByteOrder) float64 {
	switch datatype {
	case dtUint8:
		return float64(b[0])
	case dtInt8:
		return float64(int8(b[0]))
	case dtInt16:
		return float64(int16(order.Uint16(b)))
	case dtUint16:
		return float64(order.Uint16(b))
	case dtInt32:
		return float64(int32(order.Uint32(b)))
	case dtUint32:
		return float64(order.Uint32(b))
	case dtFloat32:
		return float64(math.Float32frombits(order.Uint32(b)))
	case dtFloat64:
		return math.Float64frombits(order.Uint64(b))
	default:
		return 0
	}
}

// writeNIfTI serializes a header and voxel payload as gzip-compressed NIfTI-1.
func writeNIfTI(h *niftiHeader, voxels []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)

	if err := binary.Write(zw, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	// Extension flag: no extensions follow.
	if _, err := zw.Write([]byte{0, 0, 0, 0}); err != nil {
		return nil, fmt.Errorf("failed to write extension flag: %w", err)
	}
	if _, err := zw.Write(voxels); err != nil {
		return nil, fmt.Errorf("failed to write voxels: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeLabels writes one label mask per slice as a uint8 NIfTI-1 volume that
// shares the source volume's geometry. Masks must be in source orientation and
// match the source slice size.
func (v *Volume) EncodeLabels(masks []*Mask) ([]byte, error) {
	if v.header == nil {
		return nil, fmt.Errorf("volume %q has no NIfTI geometry", v.Filename)
	}
	if len(masks) != len(v.Slices) {
		return nil, fmt.Errorf("have %d masks for %d slices", len(masks), len(v.Slices))
	}

	x, y, z := v.header.shape()
	voxels := make([]byte, x*y*z)
	var maxLabel uint8
	for k, m := range masks {
		// Source planes are y columns by x rows.
		if m.Width != y || m.Height != x {
			return nil, fmt.Errorf("mask %d is %dx%d, want %dx%d", k, m.Width, m.Height, y, x)
		}
		for r := range x {
			for c := range y {
				l := m.Labels[r*y+c]
				voxels[r+c*x+k*x*y] = l
				if l > maxLabel {
					maxLabel = l
				}
			}
		}
	}

	h := *v.header
	h.SizeofHdr = niftiHeaderSize
	h.Dim = [8]int16{3, int16(x), int16(y), int16(z), 1, 1, 1, 1}
	h.Datatype = dtUint8
	h.Bitpix = 8
	h.VoxOffset = niftiDataOffset
	h.SclSlope = 1
	h.SclInter = 0
	h.CalMin = 0
	h.CalMax = float32(maxLabel)
	h.Glmin, h.Glmax = 0, 0
	h.IntentCode = 1002 // NIFTI_INTENT_LABEL
	h.Descrip = [80]byte{}
	copy(h.Descrip[:], "mriseg segmentation labels")
	h.Magic = [4]byte{'n', '+', '1', 0}

	return writeNIfTI(&h, voxels)
}

// EncodeVolume writes the volume's intensities as a float32 NIfTI-1 file,
// preserving the source geometry when present.
func EncodeVolume(v *Volume) ([]byte, error) {
	if len(v.Slices) == 0 {
		return nil, fmt.Errorf("volume has no slices")
	}
	first := v.Slices[0]
	x, y, z := first.Height, first.Width, len(v.Slices)

	var h niftiHeader
	if v.header != nil {
		h = *v.header
	} else {
		h = *newNIfTIHeader(x, y, z, [3]float32{1, 1, 1})
	}
	h.Dim = [8]int16{3, int16(x), int16(y), int16(z), 1, 1, 1, 1}
	h.Datatype = dtFloat32
	h.Bitpix = 32
	h.VoxOffset = niftiDataOffset
	h.SclSlope = 1
	h.SclInter = 0

	voxels := make([]byte, x*y*z*4)
	for k, p := range v.Slices {
		if p.Width != y || p.Height != x {
			return nil, fmt.Errorf("slice %d is %dx%d, want %dx%d", k, p.Width, p.Height, y, x)
		}
		for r := range x {
			for c := range y {
				idx := r + c*x + k*x*y
				binary.LittleEndian.PutUint32(voxels[idx*4:], math.Float32bits(p.Pix[r*y+c]))
			}
		}
	}
	return writeNIfTI(&h, voxels)
}
