// Package reconcile drives the index toward the archive's contents. Each
// pass walks the archive's instance listing, expands multi-frame instances
// into frame records, repairs frame counts, and flags index records whose
// backing instance has vanished. Passes are idempotent: a pass over an
// unchanged archive performs no writes.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/radview/radview/internal/domain/index"
	"github.com/radview/radview/internal/platform/archive"
)

// ErrPassInProgress is returned when a pass is requested while another is
// still running. Callers treat it as "already converging", not a failure.
var ErrPassInProgress = errors.New("reconciliation pass already in progress")

// ArchiveLister is the slice of the archive client a pass consumes.
type ArchiveLister interface {
	ListInstances(ctx context.Context, since, limit int) ([]string, error)
	GetInstanceTags(ctx context.Context, instanceID string) (*archive.InstanceTags, error)
	GetInstanceInfo(ctx context.Context, instanceID string) (*archive.InstanceInfo, error)
	GetSeriesInfo(ctx context.Context, seriesID string) (*archive.SeriesInfo, error)
}

// Per-instance reconciliation states, in order. An instance that fails
// mid-expansion stays partially indexed and is repaired on the next pass.
type instanceState string

const (
	stateDiscovered instanceState = "discovered"
	stateExpanding  instanceState = "expanding"
	stateReconciled instanceState = "reconciled"
	stateFailed     instanceState = "failed"
)

// Summary is one pass's outcome.
type Summary struct {
	Discovered int           `json:"discovered"`
	Expanded   int           `json:"expanded"`
	Orphaned   int           `json:"orphaned"`
	Conflicts  int           `json:"conflicts"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration_ns"`
}

type Engine struct {
	archive  ArchiveLister
	studies  index.StudyRepository
	series   index.SeriesRepository
	frames   index.FrameRepository
	pageSize int
	log      zerolog.Logger

	mu sync.Mutex
}

func NewEngine(lister ArchiveLister, studies index.StudyRepository, series index.SeriesRepository, frames index.FrameRepository, log zerolog.Logger) *Engine {
	return &Engine{
		archive:  lister,
		studies:  studies,
		series:   series,
		frames:   frames,
		pageSize: 200,
		log:      log,
	}
}

// Run executes one full reconciliation pass. Only one pass runs at a time;
// a concurrent call returns ErrPassInProgress immediately.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	if !e.mu.TryLock() {
		return nil, ErrPassInProgress
	}
	defer e.mu.Unlock()

	start := time.Now()
	sum := &Summary{}

	seen := make(map[string]bool)
	studySeries := make(map[string]map[string]bool)
	studyInstances := make(map[string]map[string]bool)

	since := 0
	for {
		ids, err := e.archive.ListInstances(ctx, since, e.pageSize)
		if err != nil {
			return nil, fmt.Errorf("list instances at offset %d: %w", since, err)
		}
		for _, id := range ids {
			seen[id] = true
			if err := e.reconcileInstance(ctx, id, sum, studySeries, studyInstances); err != nil {
				sum.Failed++
				e.log.Error().Err(err).Str("archive_instance_id", id).
					Str("state", string(stateFailed)).Msg("instance reconciliation failed")
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
		if len(ids) < e.pageSize {
			break
		}
		since += len(ids)
	}

	if err := e.flagOrphans(ctx, seen, sum); err != nil {
		return nil, err
	}

	for studyUID, seriesSet := range studySeries {
		if err := e.studies.UpdateCounts(ctx, studyUID, len(seriesSet), len(studyInstances[studyUID])); err != nil {
			e.log.Warn().Err(err).Str("study_uid", studyUID).Msg("failed to update study counts")
		}
	}

	sum.Duration = time.Since(start)
	e.log.Info().
		Int("discovered", sum.Discovered).
		Int("expanded", sum.Expanded).
		Int("orphaned", sum.Orphaned).
		Int("conflicts", sum.Conflicts).
		Int("failed", sum.Failed).
		Dur("duration", sum.Duration).
		Msg("reconciliation pass complete")
	return sum, nil
}

func (e *Engine) reconcileInstance(ctx context.Context, id string, sum *Summary, studySeries, studyInstances map[string]map[string]bool) error {
	tags, err := e.archive.GetInstanceTags(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch tags: %w", err)
	}
	if tags.StudyInstanceUID == "" || tags.SeriesInstanceUID == "" || tags.SOPInstanceUID == "" {
		return fmt.Errorf("instance missing identity UIDs")
	}

	existing, err := e.frames.ListByArchiveInstance(ctx, id)
	if err != nil {
		return fmt.Errorf("list indexed frames: %w", err)
	}
	// Archive-side hierarchy ids are fetched once, when the instance first
	// appears; after that the stored linkage stands.
	var archiveSeriesID, archiveStudyID string
	if len(existing) == 0 {
		sum.Discovered++
		e.log.Debug().Str("archive_instance_id", id).
			Str("state", string(stateDiscovered)).Msg("new instance")
		archiveSeriesID, archiveStudyID = e.lookupLinkage(ctx, id)
	}

	if err := e.upsertStudy(ctx, tags, archiveStudyID, sum); err != nil {
		return err
	}
	if err := e.series.Upsert(ctx, seriesFromTags(tags, archiveSeriesID)); err != nil {
		return fmt.Errorf("upsert series: %w", err)
	}

	frameCount := tags.NumberOfFrames
	if frameCount < 1 {
		frameCount = 1
	}
	e.log.Debug().Str("archive_instance_id", id).Int("frame_count", frameCount).
		Str("state", string(stateExpanding)).Msg("expanding frames")
	for i := 0; i < frameCount; i++ {
		created, err := e.frames.Upsert(ctx, frameFromTags(tags, id, i))
		if err != nil {
			return fmt.Errorf("upsert frame %d: %w", i, err)
		}
		if created {
			sum.Expanded++
		}
	}

	// Frame-count repair: an instance that shrank leaves stale records
	// beyond the new count.
	deleted, err := e.frames.DeleteBeyond(ctx, id, frameCount)
	if err != nil {
		return fmt.Errorf("delete stale frames: %w", err)
	}
	if deleted > 0 {
		e.log.Warn().Str("archive_instance_id", id).Int("deleted", deleted).
			Int("frame_count", frameCount).Msg("removed stale frame records")
	}

	if err := e.frames.ClearOrphaned(ctx, id); err != nil {
		return fmt.Errorf("clear orphan flag: %w", err)
	}

	uid := tags.StudyInstanceUID
	if studySeries[uid] == nil {
		studySeries[uid] = make(map[string]bool)
		studyInstances[uid] = make(map[string]bool)
	}
	studySeries[uid][tags.SeriesInstanceUID] = true
	studyInstances[uid][tags.SOPInstanceUID] = true

	e.log.Debug().Str("archive_instance_id", id).
		Str("state", string(stateReconciled)).Msg("instance reconciled")
	return nil
}

// lookupLinkage resolves the archive's own series and study ids for a newly
// discovered instance. Linkage is best-effort: a failure leaves the ids
// empty and indexing proceeds on the DICOM UIDs alone.
func (e *Engine) lookupLinkage(ctx context.Context, id string) (archiveSeriesID, archiveStudyID string) {
	info, err := e.archive.GetInstanceInfo(ctx, id)
	if err != nil {
		e.log.Warn().Err(err).Str("archive_instance_id", id).Msg("failed to resolve archive series linkage")
		return "", ""
	}
	archiveSeriesID = info.ParentSeries
	if archiveSeriesID == "" {
		return "", ""
	}
	sinfo, err := e.archive.GetSeriesInfo(ctx, archiveSeriesID)
	if err != nil {
		e.log.Warn().Err(err).Str("archive_series_id", archiveSeriesID).Msg("failed to resolve archive study linkage")
		return archiveSeriesID, ""
	}
	return archiveSeriesID, sinfo.ParentStudy
}

// upsertStudy applies first-seen-wins: when the indexed study already
// carries patient metadata or archive linkage, a differing value from a
// later instance is logged as a conflict and the stored value stands.
func (e *Engine) upsertStudy(ctx context.Context, tags *archive.InstanceTags, archiveStudyID string, sum *Summary) error {
	existing, err := e.studies.GetByUID(ctx, tags.StudyInstanceUID)
	if err != nil && !errors.Is(err, index.ErrNotFound) {
		return fmt.Errorf("get study: %w", err)
	}
	if existing != nil {
		for _, d := range []struct {
			field  string
			stored *string
			seen   string
		}{
			{"patient_id", existing.PatientID, tags.PatientID},
			{"patient_name", existing.PatientName, tags.PatientName},
			{"study_date", existing.StudyDate, tags.StudyDate},
			{"archive_study_id", existing.ArchiveStudyID, archiveStudyID},
		} {
			if d.stored != nil && d.seen != "" && *d.stored != d.seen {
				sum.Conflicts++
				e.log.Warn().Str("study_uid", tags.StudyInstanceUID).
					Str("field", d.field).Str("stored", *d.stored).Str("seen", d.seen).
					Msg("metadata conflict, keeping first-seen value")
			}
		}
	}
	if err := e.studies.Upsert(ctx, studyFromTags(tags, archiveStudyID)); err != nil {
		return fmt.Errorf("upsert study: %w", err)
	}
	return nil
}

// flagOrphans marks indexed instances absent from the archive listing. The
// flag confirms only on the second consecutive miss, so a single flaky
// listing does not poison cache trust.
func (e *Engine) flagOrphans(ctx context.Context, seen map[string]bool, sum *Summary) error {
	indexed, err := e.frames.ListArchiveInstanceIDs(ctx)
	if err != nil {
		return fmt.Errorf("list indexed instance ids: %w", err)
	}
	for _, id := range indexed {
		if seen[id] {
			continue
		}
		confirmed, err := e.frames.MarkOrphaned(ctx, id)
		if err != nil {
			sum.Failed++
			e.log.Error().Err(err).Str("archive_instance_id", id).Msg("failed to flag orphan")
			continue
		}
		sum.Orphaned++
		e.log.Warn().Str("archive_instance_id", id).Int("confirmed_frames", confirmed).
			Msg("instance missing from archive listing")
	}
	return nil
}

func studyFromTags(t *archive.InstanceTags, archiveStudyID string) *index.Study {
	return &index.Study{
		StudyInstanceUID: t.StudyInstanceUID,
		PatientID:        optStr(t.PatientID),
		PatientName:      optStr(t.PatientName),
		StudyDate:        optStr(t.StudyDate),
		StudyDescription: optStr(t.StudyDescription),
		Modality:         optStr(t.Modality),
		ArchiveStudyID:   optStr(archiveStudyID),
	}
}

func seriesFromTags(t *archive.InstanceTags, archiveSeriesID string) *index.Series {
	return &index.Series{
		StudyInstanceUID:  t.StudyInstanceUID,
		SeriesInstanceUID: t.SeriesInstanceUID,
		Modality:          optStr(t.Modality),
		SeriesNumber:      optInt(t.SeriesNumber),
		Description:       optStr(t.SeriesDescription),
		ArchiveSeriesID:   optStr(archiveSeriesID),
	}
}

func frameFromTags(t *archive.InstanceTags, archiveInstanceID string, frameIndex int) *index.FrameRecord {
	return &index.FrameRecord{
		StudyInstanceUID:          t.StudyInstanceUID,
		SeriesInstanceUID:         t.SeriesInstanceUID,
		SOPInstanceUID:            t.SOPInstanceUID,
		FrameIndex:                frameIndex,
		InstanceNumber:            optInt(t.InstanceNumber),
		Rows:                      optInt(t.Rows),
		Columns:                   optInt(t.Columns),
		BitsAllocated:             optInt(t.BitsAllocated),
		SamplesPerPixel:           optInt(t.SamplesPerPixel),
		PhotometricInterpretation: optStr(t.PhotometricInterpretation),
		ArchiveInstanceID:         archiveInstanceID,
		ArchiveFrameIndex:         frameIndex,
	}
}

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}
