package frames

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/radview/radview/internal/platform/dicom"
)

// encodePNG wraps a decoded raster in the stdlib image types and encodes it.
func encodePNG(r *dicom.Raster8) ([]byte, error) {
	rect := image.Rect(0, 0, r.Columns, r.Rows)
	var img image.Image
	switch r.Channels {
	case 1:
		img = &image.Gray{Pix: r.Pix, Stride: r.Columns, Rect: rect}
	case 3:
		rgba := image.NewRGBA(rect)
		for i := 0; i < r.Rows*r.Columns; i++ {
			rgba.Pix[i*4] = r.Pix[i*3]
			rgba.Pix[i*4+1] = r.Pix[i*3+1]
			rgba.Pix[i*4+2] = r.Pix[i*3+2]
			rgba.Pix[i*4+3] = 0xFF
		}
		img = rgba
	default:
		return nil, fmt.Errorf("unsupported channel count %d", r.Channels)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
