// Package dicom turns a raw DICOM instance stream into a display-ready
// 8-bit raster. It carries its own minimal little-endian element walker:
// the decoder's contract is defined at the level of individual data
// elements (pixel-data location, per-frame byte accounting, windowing
// tags), so the walker exposes exactly those and nothing more.
package dicom

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Tags the decoder consumes, as (group<<16 | element).
const (
	tagTransferSyntaxUID = 0x00020010
	tagNumberOfFrames    = 0x00280008
	tagSamplesPerPixel   = 0x00280002
	tagPhotometric       = 0x00280004
	tagRows              = 0x00280010
	tagColumns           = 0x00280011
	tagBitsAllocated     = 0x00280100
	tagPixelRepr         = 0x00280103
	tagWindowCenter      = 0x00281050
	tagWindowWidth       = 0x00281051
	tagRescaleIntercept  = 0x00281052
	tagRescaleSlope      = 0x00281053
	tagPixelData         = 0x7FE00010
)

const (
	txImplicitLE = "1.2.840.10008.1.2"
	txExplicitLE = "1.2.840.10008.1.2.1"
)

const undefinedLength = 0xFFFFFFFF

// dataSet is the flat element view of one instance. Sequences are skipped,
// not descended into; nothing the decoder needs lives inside one.
type dataSet struct {
	elements       map[uint32][]byte
	transferSyntax string
	// encapsulated is set when pixel data arrives as undefined-length
	// fragments, i.e. under a compressed transfer syntax.
	encapsulated bool
}

func (d *dataSet) bytes(tag uint32) ([]byte, bool) {
	b, ok := d.elements[tag]
	return b, ok
}

// str returns the trimmed string value of a text element.
func (d *dataSet) str(tag uint32) (string, bool) {
	b, ok := d.elements[tag]
	if !ok {
		return "", false
	}
	return strings.TrimRight(strings.TrimSpace(string(b)), "\x00"), true
}

// uint16Val reads a US element.
func (d *dataSet) uint16Val(tag uint32) (uint16, bool) {
	b, ok := d.elements[tag]
	if !ok || len(b) < 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b[:2]), true
}

// intVal reads an IS element (integer encoded as decimal text).
func (d *dataSet) intVal(tag uint32) (int, bool) {
	s, ok := d.str(tag)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return n, true
}

// floatVal reads the first value of a DS element. Multi-valued DS uses
// backslash separators; the first value applies for windowing tags.
func (d *dataSet) floatVal(tag uint32) (float64, bool) {
	s, ok := d.str(tag)
	if !ok || s == "" {
		return 0, false
	}
	if i := strings.IndexByte(s, '\\'); i >= 0 {
		s = s[:i]
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// parseDataSet walks a Part-10 stream (or a bare dataset) and collects the
// top-level elements. Only little-endian transfer syntaxes are understood;
// a compressed syntax is not an error at parse time, it is recorded so the
// decoder can report UnsupportedEncoding with the syntax attached.
func parseDataSet(raw []byte) (*dataSet, error) {
	ds := &dataSet{elements: make(map[uint32][]byte)}

	pos := 0
	explicit := true
	if len(raw) >= 132 && string(raw[128:132]) == "DICM" {
		// File meta group is always explicit VR little endian.
		metaEnd, err := parseElements(raw, 132, true, ds, true)
		if err != nil {
			return nil, err
		}
		pos = metaEnd
		ts, _ := ds.str(tagTransferSyntaxUID)
		ds.transferSyntax = ts
		switch ts {
		case txImplicitLE:
			explicit = false
		case txExplicitLE, "":
			explicit = true
		default:
			// Compressed syntax: the header still parses as explicit LE.
			ds.encapsulated = true
			explicit = true
		}
	} else if !looksExplicit(raw) {
		explicit = false
	}

	if _, err := parseElements(raw, pos, explicit, ds, false); err != nil {
		return nil, err
	}
	return ds, nil
}

// looksExplicit sniffs a bare dataset: explicit VR streams carry two
// uppercase VR letters at offset 4 of the first element.
func looksExplicit(raw []byte) bool {
	if len(raw) < 6 {
		return false
	}
	isVRChar := func(b byte) bool { return b >= 'A' && b <= 'Z' }
	return isVRChar(raw[4]) && isVRChar(raw[5])
}

// longVRs carry a 2-byte reserved field and a 4-byte length in explicit VR.
var longVRs = map[string]bool{
	"OB": true, "OW": true, "OF": true, "OD": true, "OL": true,
	"SQ": true, "UC": true, "UR": true, "UT": true, "UN": true,
}

// parseElements walks elements starting at pos and stores them in ds.
// With metaOnly set it stops at the first element outside group 0002 and
// returns that offset.
func parseElements(raw []byte, pos int, explicit bool, ds *dataSet, metaOnly bool) (int, error) {
	for pos+8 <= len(raw) {
		group := binary.LittleEndian.Uint16(raw[pos:])
		elem := binary.LittleEndian.Uint16(raw[pos+2:])
		tag := uint32(group)<<16 | uint32(elem)

		if metaOnly && group != 0x0002 {
			return pos, nil
		}

		var vr string
		var length uint32
		var dataStart int

		if explicit {
			vr = string(raw[pos+4 : pos+6])
			if longVRs[vr] {
				if pos+12 > len(raw) {
					return 0, fmt.Errorf("truncated element header at offset %d", pos)
				}
				length = binary.LittleEndian.Uint32(raw[pos+8:])
				dataStart = pos + 12
			} else {
				length = uint32(binary.LittleEndian.Uint16(raw[pos+6:]))
				dataStart = pos + 8
			}
		} else {
			length = binary.LittleEndian.Uint32(raw[pos+4:])
			dataStart = pos + 8
		}

		if length == undefinedLength {
			if tag == tagPixelData {
				// Encapsulated (compressed) pixel data; leave it to the
				// archive's renderer.
				ds.encapsulated = true
				return pos, nil
			}
			end, err := skipUndefined(raw, dataStart)
			if err != nil {
				return 0, err
			}
			pos = end
			continue
		}

		dataEnd := dataStart + int(length)
		if dataEnd > len(raw) || dataEnd < dataStart {
			return 0, fmt.Errorf("element (%04X,%04X) overruns stream: length %d at offset %d", group, elem, length, dataStart)
		}

		if vr != "SQ" {
			ds.elements[tag] = raw[dataStart:dataEnd]
		}
		pos = dataEnd
	}
	return pos, nil
}

// sequenceDelimiter is the (FFFE,E0DD) tag with zero length, little endian.
var sequenceDelimiter = []byte{0xFE, 0xFF, 0xDD, 0xE0, 0x00, 0x00, 0x00, 0x00}

// skipUndefined advances past an undefined-length sequence. The decoder
// never needs anything inside one, so the item structure is not walked;
// the stream is scanned for the sequence delimitation item.
func skipUndefined(raw []byte, pos int) (int, error) {
	idx := bytes.Index(raw[pos:], sequenceDelimiter)
	if idx < 0 {
		return 0, fmt.Errorf("unterminated undefined-length sequence at offset %d", pos)
	}
	return pos + idx + len(sequenceDelimiter), nil
}
