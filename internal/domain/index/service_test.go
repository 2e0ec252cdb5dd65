package index

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// -- Mock Repositories --

type mockStudyRepo struct {
	studies map[string]*Study
}

func newMockStudyRepo() *mockStudyRepo {
	return &mockStudyRepo{studies: make(map[string]*Study)}
}

func (m *mockStudyRepo) Upsert(_ context.Context, s *Study) error {
	if existing, ok := m.studies[s.StudyInstanceUID]; ok {
		existing.NumberOfSeries = s.NumberOfSeries
		existing.NumberOfInstances = s.NumberOfInstances
		return nil
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedAt = time.Now()
	s.UpdatedAt = time.Now()
	m.studies[s.StudyInstanceUID] = s
	return nil
}

func (m *mockStudyRepo) GetByUID(_ context.Context, uid string) (*Study, error) {
	s, ok := m.studies[uid]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *mockStudyRepo) List(_ context.Context, params map[string]string, limit, offset int) ([]*Study, int, error) {
	var result []*Study
	for _, s := range m.studies {
		if v, ok := params["modality"]; ok && (s.Modality == nil || *s.Modality != v) {
			continue
		}
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StudyInstanceUID < result[j].StudyInstanceUID })
	total := len(result)
	if offset > len(result) {
		offset = len(result)
	}
	result = result[offset:]
	if limit < len(result) {
		result = result[:limit]
	}
	return result, total, nil
}

func (m *mockStudyRepo) UpdateCounts(_ context.Context, uid string, numSeries, numInstances int) error {
	s, ok := m.studies[uid]
	if !ok {
		return ErrNotFound
	}
	s.NumberOfSeries = numSeries
	s.NumberOfInstances = numInstances
	return nil
}

func (m *mockStudyRepo) Delete(_ context.Context, uid string) error {
	delete(m.studies, uid)
	return nil
}

type mockSeriesRepo struct {
	series map[string][]*Series
}

func newMockSeriesRepo() *mockSeriesRepo {
	return &mockSeriesRepo{series: make(map[string][]*Series)}
}

func (m *mockSeriesRepo) Upsert(_ context.Context, s *Series) error {
	for _, existing := range m.series[s.StudyInstanceUID] {
		if existing.SeriesInstanceUID == s.SeriesInstanceUID {
			return nil
		}
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	m.series[s.StudyInstanceUID] = append(m.series[s.StudyInstanceUID], s)
	return nil
}

func (m *mockSeriesRepo) ListByStudy(_ context.Context, studyUID string) ([]*Series, error) {
	result := append([]*Series(nil), m.series[studyUID]...)
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.SeriesNumber != nil && b.SeriesNumber != nil && *a.SeriesNumber != *b.SeriesNumber {
			return *a.SeriesNumber < *b.SeriesNumber
		}
		return a.SeriesInstanceUID < b.SeriesInstanceUID
	})
	return result, nil
}

type mockFrameRepo struct {
	frames []*FrameRecord
	// seriesOrder mirrors the series-number ordering the SQL join applies
	// on the series-less lookup path.
	seriesOrder map[string]int
}

func newMockFrameRepo() *mockFrameRepo {
	return &mockFrameRepo{seriesOrder: make(map[string]int)}
}

func (m *mockFrameRepo) Upsert(_ context.Context, f *FrameRecord) (bool, error) {
	for _, existing := range m.frames {
		if existing.StudyInstanceUID == f.StudyInstanceUID &&
			existing.SeriesInstanceUID == f.SeriesInstanceUID &&
			existing.SOPInstanceUID == f.SOPInstanceUID &&
			existing.FrameIndex == f.FrameIndex {
			return false, nil
		}
	}
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	m.frames = append(m.frames, f)
	return true, nil
}

func (m *mockFrameRepo) Find(_ context.Context, studyUID, seriesUID string, frameIndex int) (*FrameRecord, error) {
	var matches []*FrameRecord
	for _, f := range m.frames {
		if f.StudyInstanceUID != studyUID || f.FrameIndex != frameIndex {
			continue
		}
		if seriesUID != "" && f.SeriesInstanceUID != seriesUID {
			continue
		}
		matches = append(matches, f)
	}
	if len(matches) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(matches, func(i, j int) bool {
		return m.seriesOrder[matches[i].SeriesInstanceUID] < m.seriesOrder[matches[j].SeriesInstanceUID]
	})
	return matches[0], nil
}

func (m *mockFrameRepo) ListByArchiveInstance(_ context.Context, id string) ([]*FrameRecord, error) {
	var result []*FrameRecord
	for _, f := range m.frames {
		if f.ArchiveInstanceID == id {
			result = append(result, f)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ArchiveFrameIndex < result[j].ArchiveFrameIndex })
	return result, nil
}

func (m *mockFrameRepo) ListArchiveInstanceIDs(_ context.Context) ([]string, error) {
	seen := map[string]bool{}
	var ids []string
	for _, f := range m.frames {
		if !seen[f.ArchiveInstanceID] {
			seen[f.ArchiveInstanceID] = true
			ids = append(ids, f.ArchiveInstanceID)
		}
	}
	return ids, nil
}

func (m *mockFrameRepo) DeleteBeyond(_ context.Context, id string, frameCount int) (int, error) {
	var kept []*FrameRecord
	deleted := 0
	for _, f := range m.frames {
		if f.ArchiveInstanceID == id && f.ArchiveFrameIndex >= frameCount {
			deleted++
			continue
		}
		kept = append(kept, f)
	}
	m.frames = kept
	return deleted, nil
}

func (m *mockFrameRepo) MarkOrphaned(_ context.Context, id string) (int, error) {
	now := time.Now()
	confirmed := 0
	for _, f := range m.frames {
		if f.ArchiveInstanceID != id {
			continue
		}
		if f.OrphanedAt != nil {
			f.OrphanConfirmed = true
		} else {
			f.OrphanedAt = &now
		}
		if f.OrphanConfirmed {
			confirmed++
		}
	}
	return confirmed, nil
}

func (m *mockFrameRepo) ClearOrphaned(_ context.Context, id string) error {
	for _, f := range m.frames {
		if f.ArchiveInstanceID == id {
			f.OrphanedAt = nil
			f.OrphanConfirmed = false
		}
	}
	return nil
}

func (m *mockFrameRepo) MarkCached(_ context.Context, id uuid.UUID) error {
	for _, f := range m.frames {
		if f.ID == id {
			now := time.Now()
			f.CachedAt = &now
			return nil
		}
	}
	return fmt.Errorf("not found")
}

func (m *mockFrameRepo) DeleteByStudy(_ context.Context, studyUID string) (int, error) {
	var kept []*FrameRecord
	deleted := 0
	for _, f := range m.frames {
		if f.StudyInstanceUID == studyUID {
			deleted++
			continue
		}
		kept = append(kept, f)
	}
	m.frames = kept
	return deleted, nil
}

// -- Helpers --

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

func newTestService() (*Service, *mockStudyRepo, *mockSeriesRepo, *mockFrameRepo) {
	studies := newMockStudyRepo()
	series := newMockSeriesRepo()
	frames := newMockFrameRepo()
	svc := NewService(studies, series, frames, zerolog.Nop())
	return svc, studies, series, frames
}

func seedStudy(studies *mockStudyRepo, series *mockSeriesRepo, frames *mockFrameRepo) {
	studies.Upsert(context.Background(), &Study{
		StudyInstanceUID: "1.2.3",
		PatientID:        strPtr("PAT001"),
		Modality:         strPtr("CT"),
	})
	series.Upsert(context.Background(), &Series{
		StudyInstanceUID:  "1.2.3",
		SeriesInstanceUID: "1.2.3.20",
		SeriesNumber:      intPtr(2),
	})
	series.Upsert(context.Background(), &Series{
		StudyInstanceUID:  "1.2.3",
		SeriesInstanceUID: "1.2.3.10",
		SeriesNumber:      intPtr(1),
	})
	series.seriesOrderInto(frames)
	frames.Upsert(context.Background(), &FrameRecord{
		StudyInstanceUID: "1.2.3", SeriesInstanceUID: "1.2.3.20",
		SOPInstanceUID: "1.2.3.20.1", FrameIndex: 0,
		ArchiveInstanceID: "inst-b", ArchiveFrameIndex: 0,
	})
	frames.Upsert(context.Background(), &FrameRecord{
		StudyInstanceUID: "1.2.3", SeriesInstanceUID: "1.2.3.10",
		SOPInstanceUID: "1.2.3.10.1", FrameIndex: 0,
		ArchiveInstanceID: "inst-a", ArchiveFrameIndex: 0,
	})
}

func (m *mockSeriesRepo) seriesOrderInto(frames *mockFrameRepo) {
	for _, list := range m.series {
		for _, s := range list {
			if s.SeriesNumber != nil {
				frames.seriesOrder[s.SeriesInstanceUID] = *s.SeriesNumber
			}
		}
	}
}

// -- Tests --

func TestGetStudyMetadata(t *testing.T) {
	svc, studies, series, frames := newTestService()
	seedStudy(studies, series, frames)

	md, err := svc.GetStudyMetadata(context.Background(), "1.2.3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if md.Study.StudyInstanceUID != "1.2.3" {
		t.Errorf("wrong study: %s", md.Study.StudyInstanceUID)
	}
	if len(md.Series) != 2 {
		t.Fatalf("expected 2 series, got %d", len(md.Series))
	}
	if md.Series[0].SeriesInstanceUID != "1.2.3.10" {
		t.Errorf("series not in series-number order: %s first", md.Series[0].SeriesInstanceUID)
	}
}

func TestGetStudyMetadata_NotFound(t *testing.T) {
	svc, _, _, _ := newTestService()
	_, err := svc.GetStudyMetadata(context.Background(), "9.9.9")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFindFrame_SeriesScoped(t *testing.T) {
	svc, studies, series, frames := newTestService()
	seedStudy(studies, series, frames)

	f, err := svc.FindFrame(context.Background(), "1.2.3", "1.2.3.20", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.ArchiveInstanceID != "inst-b" {
		t.Errorf("wrong frame: archive instance %s", f.ArchiveInstanceID)
	}
}

func TestFindFrame_SeriesLessPicksLowestSeriesNumber(t *testing.T) {
	svc, studies, series, frames := newTestService()
	seedStudy(studies, series, frames)

	f, err := svc.FindFrame(context.Background(), "1.2.3", "", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.SeriesInstanceUID != "1.2.3.10" {
		t.Errorf("series-less lookup picked %s, want series number 1", f.SeriesInstanceUID)
	}
}

func TestFindFrame_NegativeIndex(t *testing.T) {
	svc, _, _, _ := newTestService()
	if _, err := svc.FindFrame(context.Background(), "1.2.3", "", -1); err == nil {
		t.Error("expected error for negative frame index")
	}
}

func TestFindFrame_Missing(t *testing.T) {
	svc, studies, series, frames := newTestService()
	seedStudy(studies, series, frames)
	if _, err := svc.FindFrame(context.Background(), "1.2.3", "", 5); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPurgeStudy(t *testing.T) {
	svc, studies, series, frames := newTestService()
	seedStudy(studies, series, frames)

	deleted, err := svc.PurgeStudy(context.Background(), "1.2.3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 frames deleted, got %d", deleted)
	}
	if _, err := studies.GetByUID(context.Background(), "1.2.3"); err != ErrNotFound {
		t.Error("study still present after purge")
	}
	if len(frames.frames) != 0 {
		t.Errorf("%d frame records left after purge", len(frames.frames))
	}
}

func TestPurgeStudy_NotFound(t *testing.T) {
	svc, _, _, _ := newTestService()
	if _, err := svc.PurgeStudy(context.Background(), "9.9.9"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkFrameCached(t *testing.T) {
	svc, studies, series, frames := newTestService()
	seedStudy(studies, series, frames)

	id := frames.frames[0].ID
	svc.MarkFrameCached(context.Background(), id)
	if frames.frames[0].CachedAt == nil {
		t.Error("cached_at not set")
	}
}

func TestListStudies_ModalityFilter(t *testing.T) {
	svc, studies, series, frames := newTestService()
	seedStudy(studies, series, frames)
	studies.Upsert(context.Background(), &Study{
		StudyInstanceUID: "4.5.6",
		Modality:         strPtr("MR"),
	})

	items, total, err := svc.ListStudies(context.Background(), map[string]string{"modality": "CT"}, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(items) != 1 || items[0].StudyInstanceUID != "1.2.3" {
		t.Errorf("modality filter returned %d/%d", len(items), total)
	}
}
