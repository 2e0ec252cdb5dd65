package archive

import (
	"strconv"
	"strings"
)

// InstanceTags is the typed projection of the tag set the archive reports
// for one instance. The archive returns every value as a string; numeric
// fields are parsed with the DICOM defaults applied (rescale slope 1,
// intercept 0, one frame) so callers never see zero values that mean
// "absent".
type InstanceTags struct {
	StudyInstanceUID          string
	SeriesInstanceUID         string
	SOPInstanceUID            string
	InstanceNumber            int
	SeriesNumber              int
	Rows                      int
	Columns                   int
	BitsAllocated             int
	SamplesPerPixel           int
	PhotometricInterpretation string
	PixelRepresentation       int
	NumberOfFrames            int
	RescaleSlope              float64
	RescaleIntercept          float64
	WindowCenter              *float64
	WindowWidth               *float64
	PatientID                 string
	PatientName               string
	StudyDate                 string
	StudyDescription          string
	SeriesDescription         string
	Modality                  string
}

// InstanceInfo is the archive's resource-level view of one instance. The
// parent identifiers are the archive's own ids, not DICOM UIDs; the index
// stores them so its rows stay linkable to the archive's hierarchy.
type InstanceInfo struct {
	ID           string `json:"ID"`
	ParentSeries string `json:"ParentSeries"`
}

// SeriesInfo is the archive's resource-level view of one series.
type SeriesInfo struct {
	ID          string `json:"ID"`
	ParentStudy string `json:"ParentStudy"`
}

func parseTags(raw map[string]string) *InstanceTags {
	t := &InstanceTags{
		StudyInstanceUID:          raw["StudyInstanceUID"],
		SeriesInstanceUID:         raw["SeriesInstanceUID"],
		SOPInstanceUID:            raw["SOPInstanceUID"],
		InstanceNumber:            tagInt(raw, "InstanceNumber", 0),
		SeriesNumber:              tagInt(raw, "SeriesNumber", 0),
		Rows:                      tagInt(raw, "Rows", 0),
		Columns:                   tagInt(raw, "Columns", 0),
		BitsAllocated:             tagInt(raw, "BitsAllocated", 0),
		SamplesPerPixel:           tagInt(raw, "SamplesPerPixel", 1),
		PhotometricInterpretation: strings.TrimSpace(raw["PhotometricInterpretation"]),
		PixelRepresentation:       tagInt(raw, "PixelRepresentation", 0),
		NumberOfFrames:            tagInt(raw, "NumberOfFrames", 1),
		RescaleSlope:              tagFloat(raw, "RescaleSlope", 1),
		RescaleIntercept:          tagFloat(raw, "RescaleIntercept", 0),
		PatientID:                 raw["PatientID"],
		PatientName:               raw["PatientName"],
		StudyDate:                 raw["StudyDate"],
		StudyDescription:          raw["StudyDescription"],
		SeriesDescription:         raw["SeriesDescription"],
		Modality:                  raw["Modality"],
	}
	if t.NumberOfFrames < 1 {
		t.NumberOfFrames = 1
	}
	if v, ok := tagFirstFloat(raw, "WindowCenter"); ok {
		t.WindowCenter = &v
	}
	if v, ok := tagFirstFloat(raw, "WindowWidth"); ok {
		t.WindowWidth = &v
	}
	return t
}

func tagInt(raw map[string]string, key string, def int) int {
	s := strings.TrimSpace(raw[key])
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func tagFloat(raw map[string]string, key string, def float64) float64 {
	s := strings.TrimSpace(raw[key])
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return f
}

// tagFirstFloat parses multi-valued numeric tags such as WindowCenter, which
// may arrive as a backslash-separated list; the first value applies.
func tagFirstFloat(raw map[string]string, key string) (float64, bool) {
	s := strings.TrimSpace(raw[key])
	if s == "" {
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
