package pixel

// Rotation is a clockwise rotation, applied to frame content during
// rendering or recorded as track orientation.
type Rotation uint8

const (
	Rotate0 Rotation = iota
	Rotate90
	Rotate180
	Rotate270
)

// Degrees returns the rotation in degrees.
func (r Rotation) Degrees() int {
	return int(r) * 90
}

func (r Rotation) String() string {
	switch r {
	case Rotate0:
		return "0"
	case Rotate90:
		return "90"
	case Rotate180:
		return "180"
	case Rotate270:
		return "270"
	}
	return "unknown"
}

// Dimensions returns the dimensions of a w by h frame after rotation.
func (r Rotation) Dimensions(w, h int) (int, int) {
	if r == Rotate90 || r == Rotate270 {
		return h, w
	}
	return w, h
}
