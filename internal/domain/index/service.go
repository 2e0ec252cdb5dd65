package index

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service is the read/maintenance surface over the index repositories. All
// index writes flow through the reconciliation engine; the service only
// exposes lookups, cache bookkeeping and the administrative purge.
type Service struct {
	studies StudyRepository
	series  SeriesRepository
	frames  FrameRepository
	log     zerolog.Logger
}

func NewService(studies StudyRepository, series SeriesRepository, frames FrameRepository, log zerolog.Logger) *Service {
	return &Service{studies: studies, series: series, frames: frames, log: log}
}

// GetStudyMetadata returns the study with its series summaries.
func (s *Service) GetStudyMetadata(ctx context.Context, studyUID string) (*StudyMetadata, error) {
	if studyUID == "" {
		return nil, fmt.Errorf("study uid required")
	}
	study, err := s.studies.GetByUID(ctx, studyUID)
	if err != nil {
		return nil, err
	}
	series, err := s.series.ListByStudy(ctx, studyUID)
	if err != nil {
		return nil, fmt.Errorf("list series for %s: %w", studyUID, err)
	}
	return &StudyMetadata{Study: study, Series: series}, nil
}

func (s *Service) ListStudies(ctx context.Context, params map[string]string, limit, offset int) ([]*Study, int, error) {
	return s.studies.List(ctx, params, limit, offset)
}

// FindFrame resolves a frame record. An empty seriesUID takes the
// legacy series-less path: viewers predating series-scoped URLs address
// frames by study and position alone, and the first series (by series
// number) holding that position answers. New callers always pass the
// series UID; this path is frozen, not extended.
func (s *Service) FindFrame(ctx context.Context, studyUID, seriesUID string, frameIndex int) (*FrameRecord, error) {
	if frameIndex < 0 {
		return nil, fmt.Errorf("frame index %d out of range", frameIndex)
	}
	return s.frames.Find(ctx, studyUID, seriesUID, frameIndex)
}

// MarkFrameCached stamps cached_at after a successful cache write-back.
// Bookkeeping only; a failure here never fails the frame request.
func (s *Service) MarkFrameCached(ctx context.Context, id uuid.UUID) {
	if err := s.frames.MarkCached(ctx, id); err != nil {
		s.log.Warn().Err(err).Str("frame_id", id.String()).Msg("failed to mark frame cached")
	}
}

// PurgeStudy removes every index row for the study. Series rows cascade
// from the study delete; frame records are unlinked and deleted explicitly.
// The caller is responsible for the study's cache directory.
func (s *Service) PurgeStudy(ctx context.Context, studyUID string) (int, error) {
	if _, err := s.studies.GetByUID(ctx, studyUID); err != nil {
		return 0, err
	}
	deleted, err := s.frames.DeleteByStudy(ctx, studyUID)
	if err != nil {
		return 0, fmt.Errorf("delete frame records for %s: %w", studyUID, err)
	}
	if err := s.studies.Delete(ctx, studyUID); err != nil {
		return deleted, fmt.Errorf("delete study %s: %w", studyUID, err)
	}
	s.log.Info().Str("study_uid", studyUID).Int("frames_deleted", deleted).Msg("study purged from index")
	return deleted, nil
}
