// Package imgutil provides conveniences layered on the core I/O types:
// file inspection, single-channel extraction, whole-file validation,
// and pixel statistics.
package imgutil

import (
	"fmt"
	"math"

	"github.com/mrjoshuak/go-imageio/imageio"
)

// FileInfo summarizes the structure of an image file.
type FileInfo struct {
	Path      string
	Format    string
	Subimages int
	Miplevels []int               // per subimage
	Specs     []imageio.ImageSpec // level-0 spec per subimage
}

// Info opens a file, reads its headers, and reports its structure.
func Info(path string) (*FileInfo, error) {
	in, err := imageio.Open(path)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	fi := &FileInfo{
		Path:      path,
		Format:    in.FormatName(),
		Subimages: in.NumSubimages(),
	}
	for s := 0; s < fi.Subimages; s++ {
		spec, err := in.Spec(s, 0)
		if err != nil {
			return nil, err
		}
		fi.Miplevels = append(fi.Miplevels, in.NumMiplevels(s))
		fi.Specs = append(fi.Specs, *spec.Copy())
	}
	return fi, nil
}

// ReadChannelFloats reads one named channel of the first subimage as
// float32 values, row-major over the data window.
func ReadChannelFloats(path, channel string) ([]float32, imageio.ROI, error) {
	in, err := imageio.Open(path)
	if err != nil {
		return nil, imageio.ROI{}, err
	}
	spec, err := in.Spec(0, 0)
	in.Close()
	if err != nil {
		return nil, imageio.ROI{}, err
	}
	c := spec.ChannelIndex(channel)
	if c < 0 {
		return nil, imageio.ROI{}, fmt.Errorf("imgutil: %s has no channel %q: %w",
			path, channel, imageio.ErrNoSuchChannel)
	}

	buf := imageio.NewImageBufFile(path, 0, 0, nil)
	if err := buf.ReadSubset(0, 0, c, c+1, false, imageio.TypeFloat); err != nil {
		return nil, imageio.ROI{}, err
	}
	roi := buf.ROI()
	out := make([]float32, roi.NPixels())
	if err := buf.GetPixelsFloat(roi, out, nil); err != nil {
		return nil, imageio.ROI{}, err
	}
	return out, roi, nil
}

// validateBandRows bounds how much pixel data Validate holds at once.
const validateBandRows = 64

// Validate decodes every chunk of every subimage and mip level,
// returning the first error hit. It reads in bounded bands, so
// arbitrarily large files validate in constant memory.
func Validate(path string) error {
	in, err := imageio.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	for s := 0; s < in.NumSubimages(); s++ {
		for m := 0; m < in.NumMiplevels(s); m++ {
			if err := validateLevel(in, s, m); err != nil {
				return fmt.Errorf("imgutil: %s subimage %d level %d: %w", path, s, m, err)
			}
		}
	}
	return nil
}

func validateLevel(in *imageio.Input, subimage, miplevel int) error {
	spec, err := in.Spec(subimage, miplevel)
	if err != nil {
		return err
	}
	if spec.Deep {
		var dd imageio.DeepData
		return in.ReadDeep(subimage, miplevel, &dd)
	}

	r := spec.ROI()
	pixelBytes := spec.NChannels * spec.Format.Size()
	if spec.Tiled() {
		th := spec.TileHeight
		td := spec.TileDepth
		if td < 1 {
			td = 1
		}
		band := make([]byte, r.Width()*th*td*pixelBytes)
		for z0 := r.ZBegin; z0 < r.ZEnd; z0 += td {
			z1 := min(z0+td, r.ZEnd)
			for y0 := r.YBegin; y0 < r.YEnd; y0 += th {
				y1 := min(y0+th, r.YEnd)
				n := r.Width() * (y1 - y0) * (z1 - z0) * pixelBytes
				if err := in.ReadTiles(subimage, miplevel, r.XBegin, r.XEnd,
					y0, y1, z0, z1, 0, -1, band[:n], spec.Format, nil); err != nil {
					return err
				}
			}
		}
		return nil
	}

	band := make([]byte, r.Width()*validateBandRows*pixelBytes)
	for y0 := r.YBegin; y0 < r.YEnd; y0 += validateBandRows {
		y1 := min(y0+validateBandRows, r.YEnd)
		n := r.Width() * (y1 - y0) * pixelBytes
		if err := in.ReadScanlines(subimage, miplevel, y0, y1,
			0, -1, band[:n], spec.Format, nil); err != nil {
			return err
		}
	}
	return nil
}

// ChannelStats holds the statistics of one channel. Min, Max and Mean
// cover finite values only; NaN and Inf samples are counted apart.
type ChannelStats struct {
	Min, Max, Mean float64
	NaN, Inf       int64
}

// Stats holds per-channel statistics over a buffer's data window.
type Stats struct {
	Channels []ChannelStats
	Pixels   int64
}

type bandStats struct {
	min, max, sum []float64
	finite        []int64
	nan, inf      []int64
}

func newBandStats(nch int) *bandStats {
	bs := &bandStats{
		min:    make([]float64, nch),
		max:    make([]float64, nch),
		sum:    make([]float64, nch),
		finite: make([]int64, nch),
		nan:    make([]int64, nch),
		inf:    make([]int64, nch),
	}
	for c := 0; c < nch; c++ {
		bs.min[c] = math.Inf(1)
		bs.max[c] = math.Inf(-1)
	}
	return bs
}

// statsBandRows is the row granularity statistics are computed at;
// bands run on the worker pool.
const statsBandRows = 64

// ComputeStats scans the buffer's whole data window and returns
// per-channel statistics. Bands of rows are processed in parallel on
// the configured worker pool.
func ComputeStats(buf *imageio.ImageBuf) (*Stats, error) {
	spec := buf.Spec()
	if spec.Deep {
		return nil, imageio.ErrDeep
	}
	r := buf.ROI()
	if r.Empty() {
		return nil, imageio.ErrNotInitialized
	}
	nch := spec.NChannels

	perZ := (r.Height() + statsBandRows - 1) / statsBandRows
	nbands := perZ * r.Depth()
	parts := make([]*bandStats, nbands)

	err := imageio.ParallelForWithError(nbands, func(i int) error {
		z := r.ZBegin + i/perZ
		y0 := r.YBegin + (i%perZ)*statsBandRows
		y1 := min(y0+statsBandRows, r.YEnd)

		band := r
		band.YBegin, band.YEnd = y0, y1
		band.ZBegin, band.ZEnd = z, z+1
		band.ChBegin, band.ChEnd = 0, nch

		vals := make([]float32, band.NPixels()*nch)
		if err := buf.GetPixelsFloat(band, vals, nil); err != nil {
			return err
		}
		bs := newBandStats(nch)
		for j := 0; j < len(vals); j += nch {
			for c := 0; c < nch; c++ {
				v := float64(vals[j+c])
				switch {
				case math.IsNaN(v):
					bs.nan[c]++
				case math.IsInf(v, 0):
					bs.inf[c]++
				default:
					bs.finite[c]++
					bs.sum[c] += v
					bs.min[c] = math.Min(bs.min[c], v)
					bs.max[c] = math.Max(bs.max[c], v)
				}
			}
		}
		parts[i] = bs
		return nil
	})
	if err != nil {
		return nil, err
	}

	st := &Stats{Channels: make([]ChannelStats, nch), Pixels: int64(r.NPixels())}
	for c := 0; c < nch; c++ {
		mn, mx, sum := math.Inf(1), math.Inf(-1), 0.0
		var finite, nan, inf int64
		for _, bs := range parts {
			if bs == nil {
				continue
			}
			mn = math.Min(mn, bs.min[c])
			mx = math.Max(mx, bs.max[c])
			sum += bs.sum[c]
			finite += bs.finite[c]
			nan += bs.nan[c]
			inf += bs.inf[c]
		}
		cs := &st.Channels[c]
		cs.NaN, cs.Inf = nan, inf
		if finite > 0 {
			cs.Min, cs.Max, cs.Mean = mn, mx, sum/float64(finite)
		}
	}
	return st, nil
}
