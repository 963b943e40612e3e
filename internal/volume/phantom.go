package volume

import "math"

// PhantomFilename is the filename reported for the synthetic sample volume.
const PhantomFilename = "sample.nii.gz"

const phantomSize = 128

// Phantom synthesizes a deterministic orbit-like NIfTI volume with n slices:
// a bright globe surrounded by a fat ring with darker muscle bundles, growing
// and shrinking along the slice axis. It stands in for the bundled sample scan.
func Phantom(n int) *Volume {
	if n < 1 {
		n = 1
	}

	h := newNIfTIHeader(phantomSize, phantomSize, n, [3]float32{0.5, 0.5, 2})
	slices := make([]*Plane, n)
	center := float64(phantomSize-1) / 2

	for k := range n {
		// Structures are largest in the middle slice.
		t := 1.0
		if n > 1 {
			t = 1 - math.Abs(float64(k)/float64(n-1)-0.5)
		}
		globe := 22 * t
		orbit := 44 * t

		p := NewPlane(phantomSize, phantomSize)
		for r := range phantomSize {
			for c := range phantomSize {
				dx, dy := float64(c)-center, float64(r)-center
				dist := math.Hypot(dx, dy)
				angle := math.Atan2(dy, dx)

				v := 40.0
				switch {
				case dist < globe:
					v = 900 - 4*dist
				case dist < orbit:
					v = 600
					// Four muscle bundles at the compass points.
					for _, a := range []float64{0, math.Pi / 2, math.Pi, -math.Pi / 2} {
						if math.Abs(angleDiff(angle, a)) < 0.18 {
							v = 300
						}
					}
				}
				p.Pix[r*phantomSize+c] = float32(v)
			}
		}
		slices[k] = p
	}

	return &Volume{
		Kind:       KindVolumetric,
		Filename:   PhantomFilename,
		Dimensions: h.dimensions(),
		Slices:     slices,
		Affine:     h.affine(),
		header:     h,
	}
}

func angleDiff(a, b float64) float64 {
	d := math.Mod(a-b+math.Pi, 2*math.Pi)
	if d < 0 {
		d += 2 * math.Pi
	}
	return d - math.Pi
}
