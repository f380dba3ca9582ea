package imageio

import (
	"fmt"
	"math"
)

// ROI describes a rectangular region of interest plus a channel range.
// All ranges are half-open: begin is included, end is not. A region
// covering pixel (0,0) only is {0,1, 0,1, 0,1, ...}.
type ROI struct {
	XBegin, XEnd int
	YBegin, YEnd int
	ZBegin, ZEnd int
	ChBegin, ChEnd int
}

// roiUndef marks the begin fields of an undefined ROI.
const roiUndef = math.MinInt

// ROIAll returns the undefined region, meaning "the whole image,
// all channels". Operations substitute the relevant image window.
func ROIAll() ROI {
	return ROI{XBegin: roiUndef, XEnd: roiUndef}
}

// NewROI returns a 2D region with z fixed to one slice and all
// channel indices below nch.
func NewROI(xbegin, xend, ybegin, yend, nch int) ROI {
	return ROI{
		XBegin: xbegin, XEnd: xend,
		YBegin: ybegin, YEnd: yend,
		ZBegin: 0, ZEnd: 1,
		ChBegin: 0, ChEnd: nch,
	}
}

// Defined reports whether r names a concrete region.
func (r ROI) Defined() bool { return r.XBegin != roiUndef }

// Width returns the number of pixel columns.
func (r ROI) Width() int { return r.XEnd - r.XBegin }

// Height returns the number of pixel rows.
func (r ROI) Height() int { return r.YEnd - r.YBegin }

// Depth returns the number of z slices.
func (r ROI) Depth() int { return r.ZEnd - r.ZBegin }

// NChannels returns the number of channels in the range.
func (r ROI) NChannels() int { return r.ChEnd - r.ChBegin }

// NPixels returns the number of pixels covered, 0 for degenerate regions.
func (r ROI) NPixels() int {
	if r.Width() <= 0 || r.Height() <= 0 || r.Depth() <= 0 {
		return 0
	}
	return r.Width() * r.Height() * r.Depth()
}

// Empty reports whether the region covers no pixels.
func (r ROI) Empty() bool { return !r.Defined() || r.NPixels() == 0 }

// Contains reports whether the pixel (x, y, z) lies inside the region.
func (r ROI) Contains(x, y, z int) bool {
	return x >= r.XBegin && x < r.XEnd &&
		y >= r.YBegin && y < r.YEnd &&
		z >= r.ZBegin && z < r.ZEnd
}

// ContainsROI reports whether other lies entirely inside r,
// channel range included.
func (r ROI) ContainsROI(other ROI) bool {
	return other.XBegin >= r.XBegin && other.XEnd <= r.XEnd &&
		other.YBegin >= r.YBegin && other.YEnd <= r.YEnd &&
		other.ZBegin >= r.ZBegin && other.ZEnd <= r.ZEnd &&
		other.ChBegin >= r.ChBegin && other.ChEnd <= r.ChEnd
}

// Intersection returns the region common to a and b.
func (r ROI) Intersection(other ROI) ROI {
	if !r.Defined() {
		return other
	}
	if !other.Defined() {
		return r
	}
	return ROI{
		XBegin: max(r.XBegin, other.XBegin), XEnd: min(r.XEnd, other.XEnd),
		YBegin: max(r.YBegin, other.YBegin), YEnd: min(r.YEnd, other.YEnd),
		ZBegin: max(r.ZBegin, other.ZBegin), ZEnd: min(r.ZEnd, other.ZEnd),
		ChBegin: max(r.ChBegin, other.ChBegin), ChEnd: min(r.ChEnd, other.ChEnd),
	}
}

// Union returns the smallest region containing both a and b.
func (r ROI) Union(other ROI) ROI {
	if !r.Defined() {
		return other
	}
	if !other.Defined() {
		return r
	}
	return ROI{
		XBegin: min(r.XBegin, other.XBegin), XEnd: max(r.XEnd, other.XEnd),
		YBegin: min(r.YBegin, other.YBegin), YEnd: max(r.YEnd, other.YEnd),
		ZBegin: min(r.ZBegin, other.ZBegin), ZEnd: max(r.ZEnd, other.ZEnd),
		ChBegin: min(r.ChBegin, other.ChBegin), ChEnd: max(r.ChEnd, other.ChEnd),
	}
}

// String formats the region like "x[0,640) y[0,480) z[0,1) ch[0,4)".
func (r ROI) String() string {
	if !r.Defined() {
		return "(all)"
	}
	return fmt.Sprintf("x[%d,%d) y[%d,%d) z[%d,%d) ch[%d,%d)",
		r.XBegin, r.XEnd, r.YBegin, r.YEnd, r.ZBegin, r.ZEnd, r.ChBegin, r.ChEnd)
}
