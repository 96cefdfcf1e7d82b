package render

import (
	"fmt"

	"recmux/pkg/pixel"
)

// swizzle maps each destination channel index to its source channel index.
// Only the red/blue transposition between RGBA and BGRA exists; alpha and
// green always pass through.
func swizzle(src, dst pixel.Format) [4]int {
	if src == dst {
		return [4]int{0, 1, 2, 3}
	}
	return [4]int{2, 1, 0, 3}
}

// sourcePixel returns the source coordinates for destination pixel (x, y)
// under a clockwise rotation of the source by rot.
func sourcePixel(x, y, srcW, srcH int, rot pixel.Rotation) (int, int) {
	switch rot {
	case pixel.Rotate90:
		return y, srcH - 1 - x
	case pixel.Rotate180:
		return srcW - 1 - x, srcH - 1 - y
	case pixel.Rotate270:
		return srcW - 1 - y, x
	}
	return x, y
}

// convert draws src into dst, rotating and reordering channels. dst
// dimensions must equal the rotated src dimensions.
func convert(dst *pixel.Buffer, src *Framebuffer, rot pixel.Rotation) error {
	wantW, wantH := rot.Dimensions(src.Width, src.Height)
	if dst.Width != wantW || dst.Height != wantH {
		return fmt.Errorf("target size %vx%v does not match rotated source %vx%v",
			dst.Width, dst.Height, wantW, wantH)
	}

	if rot == pixel.Rotate0 && src.Format == dst.Format {
		for y := 0; y < dst.Height; y++ {
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+dst.Width*4], src.Pix[y*src.Stride:])
		}
		return nil
	}

	sw := swizzle(src.Format, dst.Format)
	for y := 0; y < dst.Height; y++ {
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < dst.Width; x++ {
			sx, sy := sourcePixel(x, y, src.Width, src.Height, rot)
			s := src.Pix[sy*src.Stride+sx*4 : sy*src.Stride+sx*4+4]
			d := row[x*4 : x*4+4]
			d[0] = s[sw[0]]
			d[1] = s[sw[1]]
			d[2] = s[sw[2]]
			d[3] = s[sw[3]]
		}
	}
	return nil
}
