// Package index is the queryable metadata index over the archive's
// contents: Study, Series and FrameRecord rows keyed by DICOM UIDs. The
// index owns no pixel data — it is a derived projection that the
// reconciliation engine can rebuild from the archive at any time.
package index

import (
	"time"

	"github.com/google/uuid"
)

// Study is one imaging exam. StudyInstanceUID comes from the imaging
// source and is immutable once created; ArchiveStudyID stays nil until the
// study has been linked to the archive.
type Study struct {
	ID                uuid.UUID `db:"id" json:"id"`
	StudyInstanceUID  string    `db:"study_instance_uid" json:"study_instance_uid"`
	PatientID         *string   `db:"patient_id" json:"patient_id,omitempty"`
	PatientName       *string   `db:"patient_name" json:"patient_name,omitempty"`
	StudyDate         *string   `db:"study_date" json:"study_date,omitempty"`
	StudyDescription  *string   `db:"study_description" json:"study_description,omitempty"`
	Modality          *string   `db:"modality" json:"modality,omitempty"`
	NumberOfSeries    int       `db:"number_of_series" json:"number_of_series"`
	NumberOfInstances int       `db:"number_of_instances" json:"number_of_instances"`
	ArchiveStudyID    *string   `db:"archive_study_id" json:"archive_study_id,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// Series belongs to exactly one Study; SeriesInstanceUID is unique within
// the study.
type Series struct {
	ID                uuid.UUID `db:"id" json:"id"`
	StudyInstanceUID  string    `db:"study_instance_uid" json:"study_instance_uid"`
	SeriesInstanceUID string    `db:"series_instance_uid" json:"series_instance_uid"`
	Modality          *string   `db:"modality" json:"modality,omitempty"`
	SeriesNumber      *int      `db:"series_number" json:"series_number,omitempty"`
	Description       *string   `db:"description" json:"description,omitempty"`
	ArchiveSeriesID   *string   `db:"archive_series_id" json:"archive_series_id,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// FrameRecord is the index's atomic retrieval unit: one logical frame of
// one instance. A multi-frame instance expands into N records sharing the
// same ArchiveInstanceID, with ArchiveFrameIndex covering 0..frameCount-1
// exactly — gaps or duplicates in that range are a reconciliation defect.
type FrameRecord struct {
	ID                        uuid.UUID  `db:"id" json:"id"`
	StudyInstanceUID          string     `db:"study_instance_uid" json:"study_instance_uid"`
	SeriesInstanceUID         string     `db:"series_instance_uid" json:"series_instance_uid"`
	SOPInstanceUID            string     `db:"sop_instance_uid" json:"sop_instance_uid"`
	FrameIndex                int        `db:"frame_index" json:"frame_index"`
	InstanceNumber            *int       `db:"instance_number" json:"instance_number,omitempty"`
	Rows                      *int       `db:"rows" json:"rows,omitempty"`
	Columns                   *int       `db:"columns" json:"columns,omitempty"`
	BitsAllocated             *int       `db:"bits_allocated" json:"bits_allocated,omitempty"`
	SamplesPerPixel           *int       `db:"samples_per_pixel" json:"samples_per_pixel,omitempty"`
	PhotometricInterpretation *string    `db:"photometric_interpretation" json:"photometric_interpretation,omitempty"`
	ArchiveInstanceID         string     `db:"archive_instance_id" json:"archive_instance_id"`
	ArchiveFrameIndex         int        `db:"archive_frame_index" json:"archive_frame_index"`
	CachedAt                  *time.Time `db:"cached_at" json:"cached_at,omitempty"`
	OrphanedAt                *time.Time `db:"orphaned_at" json:"orphaned_at,omitempty"`
	OrphanConfirmed           bool       `db:"orphan_confirmed" json:"orphan_confirmed"`
	CreatedAt                 time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt                 time.Time  `db:"updated_at" json:"updated_at"`
}

// StudyMetadata is the read-only projection served to viewers: the study
// plus its series summaries.
type StudyMetadata struct {
	Study  *Study    `json:"study"`
	Series []*Series `json:"series"`
}
