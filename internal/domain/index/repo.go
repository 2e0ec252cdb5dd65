package index

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("index record not found")

type StudyRepository interface {
	// Upsert inserts the study or refreshes its counts. Patient metadata
	// and archive linkage follow first-seen-wins: an existing non-null
	// value is never overwritten here (conflicts are the reconciler's to
	// detect and log).
	Upsert(ctx context.Context, s *Study) error
	GetByUID(ctx context.Context, studyUID string) (*Study, error)
	List(ctx context.Context, params map[string]string, limit, offset int) ([]*Study, int, error)
	UpdateCounts(ctx context.Context, studyUID string, numSeries, numInstances int) error
	Delete(ctx context.Context, studyUID string) error
}

type SeriesRepository interface {
	Upsert(ctx context.Context, s *Series) error
	ListByStudy(ctx context.Context, studyUID string) ([]*Series, error)
}

type FrameRepository interface {
	// Upsert is idempotent on the composite identity (study, series, sop,
	// frame index); it reports whether a new record was created so
	// reconciliation passes can count real writes.
	Upsert(ctx context.Context, f *FrameRecord) (created bool, err error)
	// Find resolves a frame scoped to a series, or — when seriesUID is
	// empty — to the first series holding that frame position.
	Find(ctx context.Context, studyUID, seriesUID string, frameIndex int) (*FrameRecord, error)
	ListByArchiveInstance(ctx context.Context, archiveInstanceID string) ([]*FrameRecord, error)
	ListArchiveInstanceIDs(ctx context.Context) ([]string, error)
	// DeleteBeyond removes records whose archive frame index is >= the
	// given frame count (stale records after an instance shrank).
	DeleteBeyond(ctx context.Context, archiveInstanceID string, frameCount int) (int, error)
	// MarkOrphaned flags records of an instance missing from the archive
	// listing; the flag escalates to confirmed on the second consecutive
	// pass that misses the instance.
	MarkOrphaned(ctx context.Context, archiveInstanceID string) (confirmed int, err error)
	ClearOrphaned(ctx context.Context, archiveInstanceID string) error
	MarkCached(ctx context.Context, id uuid.UUID) error
	DeleteByStudy(ctx context.Context, studyUID string) (int, error)
}
