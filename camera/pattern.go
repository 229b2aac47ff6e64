package camera

import (
	"github.com/adamlouis/splitter/frame"
)

type drawFunc func(b *FrameBuffer, sc *StreamConfig, n uint32)

var patterns = map[string]drawFunc{
	"bars":     drawBars,
	"gradient": drawGradient,
	"grid":     drawGrid,
}

// Patterns returns the names of the synthetic test patterns.
func Patterns() []string {
	return []string{"bars", "gradient", "grid"}
}

// 75% colour bars, BT.601 limited range.
var bars = [8][3]byte{
	{180, 128, 128}, // white
	{162, 44, 142},  // yellow
	{131, 156, 44},  // cyan
	{112, 72, 58},   // green
	{84, 184, 198},  // magenta
	{65, 100, 212},  // red
	{35, 212, 114},  // blue
	{16, 128, 128},  // black
}

// fill paints every visible pixel of b. luma gives Y at (x, y); chroma
// gives U and V for the 2x2 block whose top-left pixel is (x, y). Row
// padding is left alone.
func fill(b *FrameBuffer, sc *StreamConfig, luma func(x, y int) byte, chroma func(x, y int) (u, v byte)) {
	w, h, stride := int(sc.Width), int(sc.Height), int(sc.Stride)
	ypl := b.Planes[0].Data
	for y := 0; y < h; y++ {
		row := ypl[y*stride : y*stride+w]
		for x := range row {
			row[x] = luma(x, y)
		}
	}

	switch frame.FormatFromFourCC(sc.PixelFormat) {
	case frame.FormatYUV420:
		cs := stride / 2
		up, vp := b.Planes[1].Data, b.Planes[2].Data
		for y := 0; y < h/2; y++ {
			for x := 0; x < w/2; x++ {
				up[y*cs+x], vp[y*cs+x] = chroma(2*x, 2*y)
			}
		}
	case frame.FormatNV21:
		uv := b.Planes[1].Data
		for y := 0; y < h/2; y++ {
			for x := 0; x < w/2; x++ {
				u, v := chroma(2*x, 2*y)
				uv[y*stride+2*x], uv[y*stride+2*x+1] = v, u
			}
		}
	default:
		uv := b.Planes[1].Data
		for y := 0; y < h/2; y++ {
			for x := 0; x < w/2; x++ {
				u, v := chroma(2*x, 2*y)
				uv[y*stride+2*x], uv[y*stride+2*x+1] = u, v
			}
		}
	}
}

func drawBars(b *FrameBuffer, sc *StreamConfig, n uint32) {
	w := int(sc.Width)
	shift := int(n) % w
	bar := func(x int) [3]byte {
		return bars[((x+shift)%w)*len(bars)/w]
	}
	fill(b, sc,
		func(x, y int) byte { return bar(x)[0] },
		func(x, y int) (byte, byte) { c := bar(x); return c[1], c[2] },
	)
}

func drawGradient(b *FrameBuffer, sc *StreamConfig, n uint32) {
	fill(b, sc,
		func(x, y int) byte { return byte(x + y + int(n)) },
		func(x, y int) (byte, byte) { return byte(x/2 + int(n)), byte(y/2 + 64) },
	)
}

func drawGrid(b *FrameBuffer, sc *StreamConfig, n uint32) {
	const cell = 32
	off := int(n)
	fill(b, sc,
		func(x, y int) byte {
			if (x+off)%cell == 0 || (y+off)%cell == 0 {
				return 235
			}
			return 16
		},
		func(x, y int) (byte, byte) { return 128, 128 },
	)
}
