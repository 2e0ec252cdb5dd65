package index

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// =========== Study Repository ===========

type studyRepoPG struct{ pool *pgxpool.Pool }

func NewStudyRepoPG(pool *pgxpool.Pool) StudyRepository {
	return &studyRepoPG{pool: pool}
}

const studyCols = `id, study_instance_uid, patient_id, patient_name, study_date,
	study_description, modality, number_of_series, number_of_instances,
	archive_study_id, created_at, updated_at`

func scanStudy(row pgx.Row) (*Study, error) {
	var s Study
	err := row.Scan(&s.ID, &s.StudyInstanceUID, &s.PatientID, &s.PatientName, &s.StudyDate,
		&s.StudyDescription, &s.Modality, &s.NumberOfSeries, &s.NumberOfInstances,
		&s.ArchiveStudyID, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &s, err
}

func (r *studyRepoPG) Upsert(ctx context.Context, s *Study) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	// COALESCE keeps the stored value when one exists: metadata and archive
	// linkage are first-seen-wins. The WHERE guard skips the row write
	// entirely when nothing would change, so repeated passes over an
	// unchanged archive touch no rows.
	_, err := r.pool.Exec(ctx, `
		INSERT INTO study (id, study_instance_uid, patient_id, patient_name, study_date,
			study_description, modality, number_of_series, number_of_instances, archive_study_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (study_instance_uid) DO UPDATE SET
			patient_id = COALESCE(study.patient_id, EXCLUDED.patient_id),
			patient_name = COALESCE(study.patient_name, EXCLUDED.patient_name),
			study_date = COALESCE(study.study_date, EXCLUDED.study_date),
			study_description = COALESCE(study.study_description, EXCLUDED.study_description),
			modality = COALESCE(study.modality, EXCLUDED.modality),
			archive_study_id = COALESCE(study.archive_study_id, EXCLUDED.archive_study_id),
			updated_at = NOW()
		WHERE (COALESCE(study.patient_id, EXCLUDED.patient_id),
			COALESCE(study.patient_name, EXCLUDED.patient_name),
			COALESCE(study.study_date, EXCLUDED.study_date),
			COALESCE(study.study_description, EXCLUDED.study_description),
			COALESCE(study.modality, EXCLUDED.modality),
			COALESCE(study.archive_study_id, EXCLUDED.archive_study_id))
		IS DISTINCT FROM
			(study.patient_id, study.patient_name, study.study_date,
			study.study_description, study.modality, study.archive_study_id)`,
		s.ID, s.StudyInstanceUID, s.PatientID, s.PatientName, s.StudyDate,
		s.StudyDescription, s.Modality, s.NumberOfSeries, s.NumberOfInstances, s.ArchiveStudyID)
	return err
}

func (r *studyRepoPG) GetByUID(ctx context.Context, studyUID string) (*Study, error) {
	return scanStudy(r.pool.QueryRow(ctx, `SELECT `+studyCols+` FROM study WHERE study_instance_uid = $1`, studyUID))
}

func (r *studyRepoPG) List(ctx context.Context, params map[string]string, limit, offset int) ([]*Study, int, error) {
	where := []string{"1=1"}
	args := []interface{}{}
	i := 1
	if v, ok := params["modality"]; ok && v != "" {
		where = append(where, fmt.Sprintf("modality = $%d", i))
		args = append(args, v)
		i++
	}
	if v, ok := params["patient_id"]; ok && v != "" {
		where = append(where, fmt.Sprintf("patient_id = $%d", i))
		args = append(args, v)
		i++
	}
	if v, ok := params["patient_name"]; ok && v != "" {
		where = append(where, fmt.Sprintf("patient_name ILIKE $%d", i))
		args = append(args, "%"+v+"%")
		i++
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM study WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := fmt.Sprintf(`SELECT %s FROM study WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, studyCols, cond, i, i+1)
	rows, err := r.pool.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Study
	for rows.Next() {
		s, err := scanStudy(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

func (r *studyRepoPG) UpdateCounts(ctx context.Context, studyUID string, numSeries, numInstances int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE study SET number_of_series = $2, number_of_instances = $3, updated_at = NOW()
		WHERE study_instance_uid = $1`, studyUID, numSeries, numInstances)
	return err
}

func (r *studyRepoPG) Delete(ctx context.Context, studyUID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM study WHERE study_instance_uid = $1`, studyUID)
	return err
}

// =========== Series Repository ===========

type seriesRepoPG struct{ pool *pgxpool.Pool }

func NewSeriesRepoPG(pool *pgxpool.Pool) SeriesRepository {
	return &seriesRepoPG{pool: pool}
}

const seriesCols = `id, study_instance_uid, series_instance_uid, modality,
	series_number, description, archive_series_id, created_at, updated_at`

func scanSeries(row pgx.Row) (*Series, error) {
	var s Series
	err := row.Scan(&s.ID, &s.StudyInstanceUID, &s.SeriesInstanceUID, &s.Modality,
		&s.SeriesNumber, &s.Description, &s.ArchiveSeriesID, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &s, err
}

func (r *seriesRepoPG) Upsert(ctx context.Context, s *Series) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO series (id, study_instance_uid, series_instance_uid, modality,
			series_number, description, archive_series_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (study_instance_uid, series_instance_uid) DO UPDATE SET
			modality = COALESCE(series.modality, EXCLUDED.modality),
			series_number = COALESCE(series.series_number, EXCLUDED.series_number),
			description = COALESCE(series.description, EXCLUDED.description),
			archive_series_id = COALESCE(series.archive_series_id, EXCLUDED.archive_series_id),
			updated_at = NOW()
		WHERE (COALESCE(series.modality, EXCLUDED.modality),
			COALESCE(series.series_number, EXCLUDED.series_number),
			COALESCE(series.description, EXCLUDED.description),
			COALESCE(series.archive_series_id, EXCLUDED.archive_series_id))
		IS DISTINCT FROM
			(series.modality, series.series_number, series.description,
			series.archive_series_id)`,
		s.ID, s.StudyInstanceUID, s.SeriesInstanceUID, s.Modality,
		s.SeriesNumber, s.Description, s.ArchiveSeriesID)
	return err
}

func (r *seriesRepoPG) ListByStudy(ctx context.Context, studyUID string) ([]*Series, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+seriesCols+` FROM series
		WHERE study_instance_uid = $1
		ORDER BY series_number NULLS LAST, series_instance_uid`, studyUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Series
	for rows.Next() {
		s, err := scanSeries(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

// =========== FrameRecord Repository ===========

type frameRepoPG struct{ pool *pgxpool.Pool }

func NewFrameRepoPG(pool *pgxpool.Pool) FrameRepository {
	return &frameRepoPG{pool: pool}
}

const frameCols = `id, study_instance_uid, series_instance_uid, sop_instance_uid, frame_index,
	instance_number, rows, columns, bits_allocated, samples_per_pixel,
	photometric_interpretation, archive_instance_id, archive_frame_index,
	cached_at, orphaned_at, orphan_confirmed, created_at, updated_at`

func scanFrame(row pgx.Row) (*FrameRecord, error) {
	var f FrameRecord
	err := row.Scan(&f.ID, &f.StudyInstanceUID, &f.SeriesInstanceUID, &f.SOPInstanceUID, &f.FrameIndex,
		&f.InstanceNumber, &f.Rows, &f.Columns, &f.BitsAllocated, &f.SamplesPerPixel,
		&f.PhotometricInterpretation, &f.ArchiveInstanceID, &f.ArchiveFrameIndex,
		&f.CachedAt, &f.OrphanedAt, &f.OrphanConfirmed, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &f, err
}

func (r *frameRepoPG) Upsert(ctx context.Context, f *FrameRecord) (bool, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	// DO NOTHING keeps re-runs write-free; a conflicting row means the frame
	// is already indexed and its identity fields cannot have changed.
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO frame_record (id, study_instance_uid, series_instance_uid, sop_instance_uid,
			frame_index, instance_number, rows, columns, bits_allocated, samples_per_pixel,
			photometric_interpretation, archive_instance_id, archive_frame_index)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (study_instance_uid, series_instance_uid, sop_instance_uid, frame_index) DO NOTHING`,
		f.ID, f.StudyInstanceUID, f.SeriesInstanceUID, f.SOPInstanceUID,
		f.FrameIndex, f.InstanceNumber, f.Rows, f.Columns, f.BitsAllocated, f.SamplesPerPixel,
		f.PhotometricInterpretation, f.ArchiveInstanceID, f.ArchiveFrameIndex)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *frameRepoPG) Find(ctx context.Context, studyUID, seriesUID string, frameIndex int) (*FrameRecord, error) {
	if seriesUID != "" {
		return scanFrame(r.pool.QueryRow(ctx, `SELECT `+frameCols+` FROM frame_record
			WHERE study_instance_uid = $1 AND series_instance_uid = $2 AND frame_index = $3`,
			studyUID, seriesUID, frameIndex))
	}
	// Legacy series-less lookup: first series holding the frame position, in
	// series-number order.
	return scanFrame(r.pool.QueryRow(ctx, `
		SELECT `+frameColsPrefixed("f")+` FROM frame_record f
		LEFT JOIN series s ON s.study_instance_uid = f.study_instance_uid
			AND s.series_instance_uid = f.series_instance_uid
		WHERE f.study_instance_uid = $1 AND f.frame_index = $2
		ORDER BY s.series_number NULLS LAST, f.series_instance_uid
		LIMIT 1`, studyUID, frameIndex))
}

func frameColsPrefixed(alias string) string {
	cols := strings.Split(frameCols, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func (r *frameRepoPG) ListByArchiveInstance(ctx context.Context, archiveInstanceID string) ([]*FrameRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+frameCols+` FROM frame_record
		WHERE archive_instance_id = $1 ORDER BY archive_frame_index`, archiveInstanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*FrameRecord
	for rows.Next() {
		f, err := scanFrame(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, f)
	}
	return items, rows.Err()
}

func (r *frameRepoPG) ListArchiveInstanceIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT archive_instance_id FROM frame_record`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *frameRepoPG) DeleteBeyond(ctx context.Context, archiveInstanceID string, frameCount int) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM frame_record
		WHERE archive_instance_id = $1 AND archive_frame_index >= $2`,
		archiveInstanceID, frameCount)
	return int(tag.RowsAffected()), err
}

func (r *frameRepoPG) MarkOrphaned(ctx context.Context, archiveInstanceID string) (int, error) {
	// First miss stamps orphaned_at; a second consecutive miss confirms.
	if _, err := r.pool.Exec(ctx, `UPDATE frame_record
		SET orphan_confirmed = (orphaned_at IS NOT NULL),
			orphaned_at = COALESCE(orphaned_at, NOW()),
			updated_at = NOW()
		WHERE archive_instance_id = $1 AND NOT orphan_confirmed`, archiveInstanceID); err != nil {
		return 0, err
	}
	var confirmed int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM frame_record
		WHERE archive_instance_id = $1 AND orphan_confirmed`, archiveInstanceID).Scan(&confirmed)
	return confirmed, err
}

func (r *frameRepoPG) ClearOrphaned(ctx context.Context, archiveInstanceID string) error {
	_, err := r.pool.Exec(ctx, `UPDATE frame_record
		SET orphaned_at = NULL, orphan_confirmed = FALSE, updated_at = NOW()
		WHERE archive_instance_id = $1 AND orphaned_at IS NOT NULL`, archiveInstanceID)
	return err
}

func (r *frameRepoPG) MarkCached(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE frame_record SET cached_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	return err
}

func (r *frameRepoPG) DeleteByStudy(ctx context.Context, studyUID string) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM frame_record WHERE study_instance_uid = $1`, studyUID)
	return int(tag.RowsAffected()), err
}
