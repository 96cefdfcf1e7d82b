package pixel

import (
	"image"
	"image/jpeg"
	"io"
)

// EncodeJPEG writes b as a JPEG image. RGBA buffers encode in place; BGRA
// buffers are swizzled through a scratch copy first.
func EncodeJPEG(w io.Writer, b *Buffer, quality int) error {
	img := b.AsRGBA()
	if b.Format == FormatBGRA {
		img = bgraToRGBA(b)
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}

func bgraToRGBA(b *Buffer) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, b.Width, b.Height))
	for y := 0; y < b.Height; y++ {
		src := b.Pix[y*b.Stride : y*b.Stride+b.Width*4]
		dst := img.Pix[y*img.Stride : y*img.Stride+b.Width*4]
		for x := 0; x < b.Width; x++ {
			dst[x*4] = src[x*4+2]
			dst[x*4+1] = src[x*4+1]
			dst[x*4+2] = src[x*4]
			dst[x*4+3] = src[x*4+3]
		}
	}
	return img
}
