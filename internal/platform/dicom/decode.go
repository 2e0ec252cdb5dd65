package dicom

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrMalformedPixelData marks structurally broken input: no pixel-data
	// element, or fewer frames than the requested index implies.
	ErrMalformedPixelData = errors.New("malformed pixel data")
	// ErrUnsupportedEncoding marks a bits-allocated / samples-per-pixel /
	// transfer-syntax combination this decoder does not handle.
	ErrUnsupportedEncoding = errors.New("unsupported encoding")
)

const (
	photometricMonochrome1 = "MONOCHROME1"
	photometricMonochrome2 = "MONOCHROME2"
	photometricRGB         = "RGB"
)

// Raster8 is a decoded frame: 8 bits per sample, Channels of 1 (grayscale)
// or 3 (RGB), row-major.
type Raster8 struct {
	Rows     int
	Columns  int
	Channels int
	Pix      []byte
}

// DecodeFrame decodes one frame of a raw DICOM instance into an 8-bit
// raster. It is a pure function: identical input bytes and frame index
// always produce identical output.
//
// The pipeline, in order: locate the pixel-data element and verify it holds
// at least frameIndex+1 frames of rows*columns*samplesPerPixel*(bits/8)
// bytes; reinterpret 16-bit samples as signed when the pixel-representation
// tag says so; apply the linear rescale transform; window to [0,255] using
// the instance's window tags, or an auto-window over the frame's own range
// when the tags are absent (many legacy instances omit them — the fallback
// is deliberate); invert under MONOCHROME1. RGB data is passed through
// channel-wise without windowing.
func DecodeFrame(raw []byte, frameIndex int) (*Raster8, error) {
	if frameIndex < 0 {
		return nil, fmt.Errorf("%w: negative frame index %d", ErrMalformedPixelData, frameIndex)
	}

	ds, err := parseDataSet(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPixelData, err)
	}
	if ds.encapsulated {
		return nil, fmt.Errorf("%w: compressed transfer syntax %q", ErrUnsupportedEncoding, ds.transferSyntax)
	}

	rows, ok := ds.uint16Val(tagRows)
	if !ok || rows == 0 {
		return nil, fmt.Errorf("%w: missing rows", ErrMalformedPixelData)
	}
	cols, ok := ds.uint16Val(tagColumns)
	if !ok || cols == 0 {
		return nil, fmt.Errorf("%w: missing columns", ErrMalformedPixelData)
	}
	bits, ok := ds.uint16Val(tagBitsAllocated)
	if !ok {
		bits = 16
	}
	spp, ok := ds.uint16Val(tagSamplesPerPixel)
	if !ok {
		spp = 1
	}
	photometric, _ := ds.str(tagPhotometric)

	if bits != 8 && bits != 16 {
		return nil, fmt.Errorf("%w: bits allocated %d", ErrUnsupportedEncoding, bits)
	}
	if spp != 1 && spp != 3 {
		return nil, fmt.Errorf("%w: samples per pixel %d", ErrUnsupportedEncoding, spp)
	}
	if spp == 3 && bits != 8 {
		return nil, fmt.Errorf("%w: %d-bit color", ErrUnsupportedEncoding, bits)
	}

	pixelData, ok := ds.bytes(tagPixelData)
	if !ok {
		return nil, fmt.Errorf("%w: no pixel data element", ErrMalformedPixelData)
	}

	frameLen := int(rows) * int(cols) * int(spp) * int(bits) / 8
	if need := (frameIndex + 1) * frameLen; len(pixelData) < need {
		return nil, fmt.Errorf("%w: pixel data holds %d bytes, frame %d needs %d",
			ErrMalformedPixelData, len(pixelData), frameIndex, need)
	}
	frame := pixelData[frameIndex*frameLen : (frameIndex+1)*frameLen]

	if spp == 3 {
		out := make([]byte, len(frame))
		copy(out, frame)
		return &Raster8{Rows: int(rows), Columns: int(cols), Channels: 3, Pix: out}, nil
	}

	// Raw stored values, sign-unwrapped when the pixel representation is
	// two's complement.
	signed := false
	if pr, ok := ds.uint16Val(tagPixelRepr); ok && pr == 1 {
		signed = true
	}
	samples := make([]float64, int(rows)*int(cols))
	if bits == 8 {
		for i := range samples {
			v := float64(frame[i])
			if signed && frame[i] >= 0x80 {
				v -= 256
			}
			samples[i] = v
		}
	} else {
		for i := range samples {
			u := binary.LittleEndian.Uint16(frame[2*i:])
			v := float64(u)
			if signed && u >= 0x8000 {
				v -= 65536
			}
			samples[i] = v
		}
	}

	// Rescale to real-world intensity.
	slope := 1.0
	if v, ok := ds.floatVal(tagRescaleSlope); ok {
		slope = v
	}
	intercept := 0.0
	if v, ok := ds.floatVal(tagRescaleIntercept); ok {
		intercept = v
	}
	for i, v := range samples {
		samples[i] = v*slope + intercept
	}

	center, haveCenter := ds.floatVal(tagWindowCenter)
	width, haveWidth := ds.floatVal(tagWindowWidth)
	if !haveCenter || !haveWidth || width <= 0 {
		center, width = autoWindow(samples)
	}

	invert := photometric == photometricMonochrome1

	out := make([]byte, len(samples))
	lower := center - width/2
	for i, v := range samples {
		n := (v - lower) / width
		if n < 0 {
			n = 0
		} else if n > 1 {
			n = 1
		}
		g := byte(math.Round(n * 255))
		if invert {
			g = 255 - g
		}
		out[i] = g
	}

	return &Raster8{Rows: int(rows), Columns: int(cols), Channels: 1, Pix: out}, nil
}

// autoWindow derives a window from the frame's own sample range.
func autoWindow(samples []float64) (center, width float64) {
	min, max := samples[0], samples[0]
	for _, v := range samples[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	width = max - min
	if width < 1 {
		width = 1
	}
	return (min + max) / 2, width
}
