// Package frames resolves a frame request to image bytes through an ordered
// cascade: on-disk cache, archive-rendered frame, raw instance decode. Every
// successful archive-backed resolution writes the frame back to the cache,
// so the cache heals itself as it is read.
package frames

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/radview/radview/internal/domain/index"
	"github.com/radview/radview/internal/platform/dicom"
)

// Resolution steps, named in NotFoundError by the step that ended the
// cascade.
const (
	StepIndex  = "index"
	StepRender = "render"
	StepDecode = "decode"
)

// NotFoundError reports a frame the cascade could not resolve, carrying the
// step that exhausted it and the underlying cause.
type NotFoundError struct {
	StudyUID   string
	SeriesUID  string
	FrameIndex int
	Step       string
	Cause      error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("frame %d of study %s not resolvable (failed at %s): %v",
		e.FrameIndex, e.StudyUID, e.Step, e.Cause)
}

func (e *NotFoundError) Unwrap() error { return e.Cause }

// FrameFinder is the slice of the index service the resolver consumes.
type FrameFinder interface {
	FindFrame(ctx context.Context, studyUID, seriesUID string, frameIndex int) (*index.FrameRecord, error)
	MarkFrameCached(ctx context.Context, id uuid.UUID)
}

// FrameCache is the on-disk cache surface.
type FrameCache interface {
	Get(studyUID string, frameIndex int) ([]byte, error)
	Put(studyUID string, frameIndex int, data []byte) error
}

// ArchiveFetcher is the slice of the archive client the resolver consumes.
type ArchiveFetcher interface {
	GetRenderedFrame(ctx context.Context, archiveInstanceID string, frameIndex, quality int) ([]byte, error)
	GetRawInstance(ctx context.Context, archiveInstanceID string) ([]byte, error)
}

const (
	DefaultQuality = 90

	// Raw instance bytes are memoised briefly so the frames of one
	// multi-frame instance fetch the file once.
	rawTTL        = time.Minute
	rawSweepEvery = 5 * time.Minute
)

type Resolver struct {
	finder  FrameFinder
	cache   FrameCache
	archive ArchiveFetcher
	raw     *gocache.Cache
	log     zerolog.Logger
}

func NewResolver(finder FrameFinder, cache FrameCache, archive ArchiveFetcher, log zerolog.Logger) *Resolver {
	return &Resolver{
		finder:  finder,
		cache:   cache,
		archive: archive,
		raw:     gocache.New(rawTTL, rawSweepEvery),
		log:     log,
	}
}

// Resolve runs the cascade and returns PNG bytes. seriesUID may be empty
// (legacy series-less addressing); quality applies only to the archive
// render step.
func (r *Resolver) Resolve(ctx context.Context, studyUID, seriesUID string, frameIndex, quality int) ([]byte, error) {
	if data, err := r.cache.Get(studyUID, frameIndex); err == nil {
		return data, nil
	}

	rec, err := r.finder.FindFrame(ctx, studyUID, seriesUID, frameIndex)
	if err != nil {
		return nil, &NotFoundError{StudyUID: studyUID, SeriesUID: seriesUID, FrameIndex: frameIndex, Step: StepIndex, Cause: err}
	}
	if rec.OrphanConfirmed {
		return nil, &NotFoundError{StudyUID: studyUID, SeriesUID: seriesUID, FrameIndex: frameIndex, Step: StepIndex,
			Cause: fmt.Errorf("backing instance %s confirmed absent from archive", rec.ArchiveInstanceID)}
	}

	data, renderErr := r.archive.GetRenderedFrame(ctx, rec.ArchiveInstanceID, rec.ArchiveFrameIndex, quality)
	if renderErr == nil {
		r.writeBack(ctx, studyUID, frameIndex, rec.ID, data)
		return data, nil
	}
	r.log.Warn().Err(renderErr).
		Str("archive_instance_id", rec.ArchiveInstanceID).
		Int("frame_index", frameIndex).
		Msg("archive render failed, falling back to raw decode")

	data, decodeErr := r.decodeRaw(ctx, rec)
	if decodeErr != nil {
		return nil, &NotFoundError{StudyUID: studyUID, SeriesUID: seriesUID, FrameIndex: frameIndex, Step: StepDecode,
			Cause: fmt.Errorf("render: %v; decode: %w", renderErr, decodeErr)}
	}
	r.writeBack(ctx, studyUID, frameIndex, rec.ID, data)
	return data, nil
}

func (r *Resolver) decodeRaw(ctx context.Context, rec *index.FrameRecord) ([]byte, error) {
	raw, err := r.rawInstance(ctx, rec.ArchiveInstanceID)
	if err != nil {
		return nil, err
	}
	raster, err := dicom.DecodeFrame(raw, rec.ArchiveFrameIndex)
	if err != nil {
		return nil, err
	}
	return encodePNG(raster)
}

func (r *Resolver) rawInstance(ctx context.Context, archiveInstanceID string) ([]byte, error) {
	if v, ok := r.raw.Get(archiveInstanceID); ok {
		return v.([]byte), nil
	}
	raw, err := r.archive.GetRawInstance(ctx, archiveInstanceID)
	if err != nil {
		return nil, err
	}
	r.raw.Set(archiveInstanceID, raw, gocache.DefaultExpiration)
	return raw, nil
}

// writeBack stores the resolved frame and stamps the index record. Neither
// failure affects the response already in hand.
func (r *Resolver) writeBack(ctx context.Context, studyUID string, frameIndex int, recID uuid.UUID, data []byte) {
	if err := r.cache.Put(studyUID, frameIndex, data); err != nil {
		r.log.Warn().Err(err).Str("study_uid", studyUID).Int("frame_index", frameIndex).
			Msg("frame cache write-back failed")
		return
	}
	r.finder.MarkFrameCached(ctx, recID)
}
