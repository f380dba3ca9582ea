package imageio

// WrapMode selects how a cursor treats coordinates outside the image
// window. Wrapping is evaluated against the full (display) window; a
// remapped coordinate that still misses the data window reads as black.
type WrapMode uint8

const (
	// WrapDefault resolves to WrapBlack.
	WrapDefault WrapMode = iota
	// WrapBlack yields zero for every outside coordinate.
	WrapBlack
	// WrapClamp clamps each axis to the nearest edge of the full window.
	WrapClamp
	// WrapPeriodic tiles the full window along each axis.
	WrapPeriodic
	// WrapMirror reflects coordinates at the full window boundaries.
	WrapMirror
)

var wrapNames = [...]string{
	WrapDefault:  "default",
	WrapBlack:    "black",
	WrapClamp:    "clamp",
	WrapPeriodic: "periodic",
	WrapMirror:   "mirror",
}

// String returns the lower-case mode name.
func (w WrapMode) String() string {
	if int(w) >= len(wrapNames) {
		return "default"
	}
	return wrapNames[w]
}

// WrapModeFromString parses a mode name; unknown names return WrapDefault.
func WrapModeFromString(s string) WrapMode {
	for m, name := range wrapNames {
		if name == s {
			return WrapMode(m)
		}
	}
	return WrapDefault
}

// wrapAxis remaps coord into the window [begin, begin+size) according
// to mode. Black performs no remapping. size must be positive.
func wrapAxis(coord, begin, size int, mode WrapMode) int {
	switch mode {
	case WrapClamp:
		if coord < begin {
			return begin
		}
		if coord >= begin+size {
			return begin + size - 1
		}
	case WrapPeriodic:
		coord -= begin
		coord %= size
		if coord < 0 {
			coord += size
		}
		return coord + begin
	case WrapMirror:
		coord -= begin
		// Reflection has period 2*size: [0,size) forward, [size,2*size)
		// reversed.
		period := 2 * size
		coord %= period
		if coord < 0 {
			coord += period
		}
		if coord >= size {
			coord = period - 1 - coord
		}
		return coord + begin
	}
	return coord
}

// wrapPoint remaps (x, y, z) into the window described by origin and
// size. It returns the remapped point; callers re-check the data
// window afterwards.
func wrapPoint(x, y, z int, spec *ImageSpec, mode WrapMode) (int, int, int) {
	if mode == WrapBlack || mode == WrapDefault {
		return x, y, z
	}
	x = wrapAxis(x, spec.FullX, spec.FullWidth, mode)
	y = wrapAxis(y, spec.FullY, spec.FullHeight, mode)
	if spec.FullDepth > 0 {
		z = wrapAxis(z, spec.FullZ, spec.FullDepth, mode)
	}
	return x, y, z
}
