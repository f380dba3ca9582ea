package imgutil

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mrjoshuak/go-imageio/formats/zpix"
	"github.com/mrjoshuak/go-imageio/imageio"
)

func tempPath(t testing.TB) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "img.zpx")
}

func writeFile(t *testing.T, path string, spec *imageio.ImageSpec, payload []byte) {
	t.Helper()
	out, err := imageio.Create(path, *spec)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := out.WriteImage(0, 0, payload, spec.Format, nil); err != nil {
		t.Fatalf("WriteImage: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// corruptFirstStrip patches the y coordinate of the first pixel chunk
// so decoding it fails.
func corruptFirstStrip(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	hlen := int(binary.LittleEndian.Uint32(data[10:]))
	off := binary.LittleEndian.Uint64(data[14+hlen:])
	binary.LittleEndian.PutUint32(data[off:], 999)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestInfo(t *testing.T) {
	path := tempPath(t)

	s0 := imageio.NewSpec(8, 6, 2, imageio.TypeUInt8)
	s1 := imageio.NewSpec(16, 16, 1, imageio.TypeUInt16)
	s1.Attribute("miplevels", 3)

	out, err := imageio.Create(path, *s0, *s1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := out.WriteImage(0, 0, make([]byte, s0.ImageBytes(true)), s0.Format, nil); err != nil {
		t.Fatalf("WriteImage sub 0: %v", err)
	}
	for l, dim := range []int{16, 8, 4} {
		px := make([]byte, dim*dim*2)
		if err := out.WriteImage(1, l, px, s1.Format, nil); err != nil {
			t.Fatalf("WriteImage sub 1 level %d: %v", l, err)
		}
	}
	if err := out.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fi, err := Info(path)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if fi.Path != path {
		t.Errorf("Path = %q, want %q", fi.Path, path)
	}
	if fi.Format != zpix.FormatName {
		t.Errorf("Format = %q, want %q", fi.Format, zpix.FormatName)
	}
	if fi.Subimages != 2 {
		t.Fatalf("Subimages = %d, want 2", fi.Subimages)
	}
	if fi.Miplevels[0] != 1 || fi.Miplevels[1] != 3 {
		t.Errorf("Miplevels = %v, want [1 3]", fi.Miplevels)
	}
	if fi.Specs[0].Width != 8 || fi.Specs[0].NChannels != 2 {
		t.Errorf("Specs[0] = %dx%d %dch", fi.Specs[0].Width, fi.Specs[0].Height, fi.Specs[0].NChannels)
	}
	if fi.Specs[1].Format != imageio.TypeUInt16 {
		t.Errorf("Specs[1].Format = %v, want %v", fi.Specs[1].Format, imageio.TypeUInt16)
	}
}

func TestReadChannelFloats(t *testing.T) {
	path := tempPath(t)
	spec := imageio.NewSpec(4, 3, 3, imageio.TypeUInt8)
	spec.X, spec.Y = 2, -1
	spec.FullX, spec.FullY = 2, -1
	payload := make([]byte, spec.ImageBytes(true))
	for i := range payload {
		payload[i] = byte(i*5 + 1)
	}
	writeFile(t, path, spec, payload)

	vals, roi, err := ReadChannelFloats(path, "G")
	if err != nil {
		t.Fatalf("ReadChannelFloats: %v", err)
	}
	want := imageio.ROI{
		XBegin: 2, XEnd: 6,
		YBegin: -1, YEnd: 2,
		ZBegin: 0, ZEnd: 1,
		ChBegin: 0, ChEnd: 1,
	}
	if roi != want {
		t.Fatalf("roi = %+v, want %+v", roi, want)
	}
	if len(vals) != 12 {
		t.Fatalf("len(vals) = %d, want 12", len(vals))
	}
	for p, v := range vals {
		exp := float32(payload[p*3+1]) / 255
		if d := v - exp; d > 1e-6 || d < -1e-6 {
			t.Fatalf("vals[%d] = %g, want %g", p, v, exp)
		}
	}

	if _, _, err := ReadChannelFloats(path, "Q"); !errors.Is(err, imageio.ErrNoSuchChannel) {
		t.Errorf("missing channel err = %v, want ErrNoSuchChannel", err)
	} else if !strings.Contains(err.Error(), `no channel "Q"`) {
		t.Errorf("missing channel err = %q", err)
	}
}

func TestValidate(t *testing.T) {
	t.Run("scanline", func(t *testing.T) {
		path := tempPath(t)
		spec := imageio.NewSpec(8, 130, 1, imageio.TypeUInt8)
		spec.Attribute("compression", "zlib")
		writeFile(t, path, spec, make([]byte, spec.ImageBytes(true)))
		if err := Validate(path); err != nil {
			t.Errorf("Validate: %v", err)
		}
	})

	t.Run("tiled", func(t *testing.T) {
		path := tempPath(t)
		spec := imageio.NewSpec(20, 20, 2, imageio.TypeUInt16)
		spec.TileWidth, spec.TileHeight = 8, 8
		writeFile(t, path, spec, make([]byte, spec.ImageBytes(true)))
		if err := Validate(path); err != nil {
			t.Errorf("Validate: %v", err)
		}
	})

	t.Run("mip chain", func(t *testing.T) {
		path := tempPath(t)
		spec := imageio.NewSpec(16, 16, 1, imageio.TypeUInt8)
		spec.Attribute("miplevels", 2)
		out, err := imageio.Create(path, *spec)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		for l, dim := range []int{16, 8} {
			if err := out.WriteImage(0, l, make([]byte, dim*dim), spec.Format, nil); err != nil {
				t.Fatalf("WriteImage level %d: %v", l, err)
			}
		}
		if err := out.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if err := Validate(path); err != nil {
			t.Errorf("Validate: %v", err)
		}
	})

	t.Run("deep", func(t *testing.T) {
		path := tempPath(t)
		spec := imageio.NewSpec(4, 9, 1, imageio.TypeFloat)
		spec.Deep = true
		out, err := imageio.Create(path, *spec)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		dd, err := imageio.NewDeepData(spec)
		if err != nil {
			t.Fatalf("NewDeepData: %v", err)
		}
		for p := 0; p < dd.NumPixels(); p++ {
			dd.SetSamples(p, p%3)
			for s := 0; s < p%3; s++ {
				dd.SetFloat(p, 0, s, float32(p)+float32(s)/8)
			}
		}
		if err := out.WriteDeep(0, 0, dd); err != nil {
			t.Fatalf("WriteDeep: %v", err)
		}
		if err := out.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if err := Validate(path); err != nil {
			t.Errorf("Validate: %v", err)
		}
	})

	t.Run("corrupt chunk", func(t *testing.T) {
		path := tempPath(t)
		spec := imageio.NewSpec(8, 70, 1, imageio.TypeUInt8)
		spec.Attribute("compression", "zlib")
		writeFile(t, path, spec, make([]byte, spec.ImageBytes(true)))
		corruptFirstStrip(t, path)

		err := Validate(path)
		if !errors.Is(err, zpix.ErrCorrupt) {
			t.Fatalf("Validate err = %v, want ErrCorrupt", err)
		}
		if !strings.Contains(err.Error(), "subimage 0 level 0") {
			t.Errorf("Validate err = %q, want subimage/level prefix", err)
		}
	})
}

func TestComputeStats(t *testing.T) {
	spec := imageio.NewSpec(4, 2, 2, imageio.TypeFloat)
	buf, err := imageio.NewImageBufSpec(spec)
	if err != nil {
		t.Fatalf("NewImageBufSpec: %v", err)
	}
	ch0 := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	ch1 := []float32{10, 20, 30, 40, 50, 60,
		float32(math.NaN()), float32(math.Inf(1))}
	vals := make([]float32, 16)
	for p := 0; p < 8; p++ {
		vals[p*2] = ch0[p]
		vals[p*2+1] = ch1[p]
	}
	if err := buf.SetPixelsFloat(buf.ROI(), vals, nil); err != nil {
		t.Fatalf("SetPixelsFloat: %v", err)
	}

	st, err := ComputeStats(buf)
	if err != nil {
		t.Fatalf("ComputeStats: %v", err)
	}
	if st.Pixels != 8 {
		t.Errorf("Pixels = %d, want 8", st.Pixels)
	}
	if len(st.Channels) != 2 {
		t.Fatalf("len(Channels) = %d, want 2", len(st.Channels))
	}
	c0 := st.Channels[0]
	if c0.Min != 1 || c0.Max != 8 || c0.Mean != 4.5 {
		t.Errorf("ch0 = min %g max %g mean %g, want 1 8 4.5", c0.Min, c0.Max, c0.Mean)
	}
	if c0.NaN != 0 || c0.Inf != 0 {
		t.Errorf("ch0 specials = %d NaN %d Inf, want none", c0.NaN, c0.Inf)
	}
	c1 := st.Channels[1]
	if c1.Min != 10 || c1.Max != 60 || c1.Mean != 35 {
		t.Errorf("ch1 = min %g max %g mean %g, want 10 60 35", c1.Min, c1.Max, c1.Mean)
	}
	if c1.NaN != 1 || c1.Inf != 1 {
		t.Errorf("ch1 specials = %d NaN %d Inf, want 1 each", c1.NaN, c1.Inf)
	}
}

func TestComputeStatsBands(t *testing.T) {
	spec := imageio.NewSpec(3, 130, 1, imageio.TypeFloat)
	buf, err := imageio.NewImageBufSpec(spec)
	if err != nil {
		t.Fatalf("NewImageBufSpec: %v", err)
	}
	vals := make([]float32, 3*130)
	for y := 0; y < 130; y++ {
		for x := 0; x < 3; x++ {
			vals[y*3+x] = float32(y)
		}
	}
	if err := buf.SetPixelsFloat(buf.ROI(), vals, nil); err != nil {
		t.Fatalf("SetPixelsFloat: %v", err)
	}

	st, err := ComputeStats(buf)
	if err != nil {
		t.Fatalf("ComputeStats: %v", err)
	}
	if st.Pixels != 390 {
		t.Errorf("Pixels = %d, want 390", st.Pixels)
	}
	c := st.Channels[0]
	if c.Min != 0 || c.Max != 129 || c.Mean != 64.5 {
		t.Errorf("stats = min %g max %g mean %g, want 0 129 64.5", c.Min, c.Max, c.Mean)
	}
}

func TestComputeStatsErrors(t *testing.T) {
	spec := imageio.NewSpec(4, 4, 1, imageio.TypeFloat)
	spec.Deep = true
	deep, err := imageio.NewImageBufSpec(spec)
	if err != nil {
		t.Fatalf("NewImageBufSpec: %v", err)
	}
	if _, err := ComputeStats(deep); !errors.Is(err, imageio.ErrDeep) {
		t.Errorf("deep err = %v, want ErrDeep", err)
	}

	if _, err := ComputeStats(imageio.NewImageBuf()); !errors.Is(err, imageio.ErrNotInitialized) {
		t.Errorf("blank err = %v, want ErrNotInitialized", err)
	}
}
