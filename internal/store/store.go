// Package store persists completed scans and the upload state of their images
// in a sqlite database.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bloom-desktop/bloom/internal/model"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidScan       = errors.New("invalid scan")
)

// PersistenceError is returned when a scan can not be written.
type PersistenceError struct {
	ScanID string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting scan %s: %v", e.ScanID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusUploading Status = "uploading"
	StatusUploaded  Status = "uploaded"
	StatusFailed    Status = "failed"
)

// from lists the statuses an image may move to status from. An image left
// uploading by an interrupted run is claimed again by the next one.
func (s Status) from() []Status {
	switch s {
	case StatusUploading:
		return []Status{StatusPending, StatusCompleted, StatusFailed, StatusUploading}
	case StatusUploaded, StatusFailed:
		return []Status{StatusUploading}
	default:
		return nil
	}
}

// Scan is one persisted scan. It owns exactly NumFrames images numbered 1..NumFrames.
type Scan struct {
	ID              string    `gorm:"primaryKey" json:"id"`
	ExperimentID    string    `gorm:"not null;index" json:"experiment_id"`
	OperatorID      string    `gorm:"not null" json:"operator_id"`
	SpecimenID      string    `gorm:"not null;index" json:"specimen_id"`
	WaveNumber      int       `json:"wave_number"`
	SpecimenAgeDays int       `json:"specimen_age_days"`
	CaptureDate     time.Time `gorm:"not null;index" json:"capture_date"`
	NumFrames       int       `gorm:"not null" json:"num_frames"`
	ExposureTime    float64   `json:"exposure_time"`
	Gain            float64   `json:"gain"`
	Gamma           float64   `json:"gamma"`
	SecondsPerRot   float64   `json:"seconds_per_rot"`
	OutputPath      string    `gorm:"not null" json:"output_path"`
	// Partial marks a failed run persisted with the frames captured so far.
	Partial bool `gorm:"not null;default:false" json:"partial"`
	Deleted bool `gorm:"not null;default:false" json:"deleted"`

	Images []Image `gorm:"foreignKey:ScanID;constraint:OnDelete:CASCADE" json:"images,omitempty"`
}

func (Scan) TableName() string {
	return "scans"
}

type Image struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	ScanID      string `gorm:"not null;uniqueIndex:idx_images_scan_frame" json:"scan_id"`
	FrameNumber int    `gorm:"not null;uniqueIndex:idx_images_scan_frame" json:"frame_number"`
	Path        string `gorm:"not null" json:"path"`
	Status      Status `gorm:"not null;default:pending" json:"status"`
}

func (Image) TableName() string {
	return "images"
}

// NewScan builds the row for a scan whose frames were written to paths, in
// capture order. The images are created with StatusCompleted.
func NewScan(id string, settings model.ScanSettings, captured time.Time, paths []string) *Scan {
	scan := &Scan{
		ID:            id,
		CaptureDate:   captured.UTC(),
		NumFrames:     len(paths),
		ExposureTime:  settings.Camera.ExposureTime,
		Gain:          settings.Camera.Gain,
		Gamma:         settings.Camera.Gamma,
		SecondsPerRot: settings.Camera.SecondsPerRot,
		OutputPath:    settings.OutputPath,
		Partial:       len(paths) != settings.NumFrames,
	}
	if m := settings.Metadata; m != nil {
		scan.ExperimentID = m.ExperimentID
		scan.OperatorID = m.OperatorID
		scan.SpecimenID = m.SpecimenID
		scan.WaveNumber = m.WaveNumber
		scan.SpecimenAgeDays = m.SpecimenAgeDays
	}
	scan.Images = make([]Image, len(paths))
	for i, path := range paths {
		scan.Images[i] = Image{FrameNumber: i + 1, Path: path, Status: StatusCompleted}
	}
	return scan
}

func (s *Scan) validate() error {
	var errs []error
	if s.ID == "" {
		errs = append(errs, errors.New("id must not be empty"))
	}
	if s.NumFrames != len(s.Images) {
		errs = append(errs, fmt.Errorf("num_frames is %d but got %d images", s.NumFrames, len(s.Images)))
	}
	for i, img := range s.Images {
		if img.FrameNumber != i+1 {
			errs = append(errs, fmt.Errorf("image %d has frame_number %d", i, img.FrameNumber))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidScan, errors.Join(errs...))
	}
	return nil
}

type Store struct {
	DB *gorm.DB
}

// Open opens or creates the database at path and migrates the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: newLogger(time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql.DB: %w", err)
	}
	// sqlite allows a single writer
	sqlDB.SetMaxOpenConns(1)

	if err := db.WithContext(ctx).AutoMigrate(&Scan{}, &Image{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	slog.DebugContext(ctx, "database ready", "path", path)
	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateScan writes scan and its images in a single transaction. Either all
// rows are created or none. Errors are *PersistenceError.
func (s *Store) CreateScan(ctx context.Context, scan *Scan) error {
	if err := scan.validate(); err != nil {
		return &PersistenceError{ScanID: scan.ID, Err: err}
	}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(scan).Error; err != nil {
			return fmt.Errorf("creating scan: %w", err)
		}
		for i := range scan.Images {
			scan.Images[i].ScanID = scan.ID
		}
		if len(scan.Images) == 0 {
			return nil
		}
		if err := tx.Create(&scan.Images).Error; err != nil {
			return fmt.Errorf("creating images: %w", err)
		}
		return nil
	})
	if err != nil {
		return &PersistenceError{ScanID: scan.ID, Err: err}
	}
	return nil
}

// GetScan returns the scan with its images ordered by frame number.
func (s *Store) GetScan(ctx context.Context, id string) (Scan, error) {
	var scan Scan
	err := s.DB.WithContext(ctx).
		Preload("Images", func(db *gorm.DB) *gorm.DB {
			return db.Order("frame_number ASC")
		}).
		Where("id = ? AND deleted = ?", id, false).
		First(&scan).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return Scan{}, fmt.Errorf("scan %s: %w", id, ErrNotFound)
	case err != nil:
		return Scan{}, fmt.Errorf("getting scan %s: %w", id, err)
	}
	return scan, nil
}

func (s *Store) ListImages(ctx context.Context, scanID string) ([]Image, error) {
	var images []Image
	err := s.DB.WithContext(ctx).
		Where("scan_id = ?", scanID).
		Order("frame_number ASC").
		Find(&images).Error
	if err != nil {
		return nil, fmt.Errorf("listing images of %s: %w", scanID, err)
	}
	return images, nil
}

// SetImageStatus moves an image to status. Only forward transitions are
// accepted, a failed or not yet uploaded image may be retried.
func (s *Store) SetImageStatus(ctx context.Context, imageID uint, status Status) error {
	from := status.from()
	if from == nil {
		return fmt.Errorf("%w: to %s", ErrInvalidTransition, status)
	}
	db := s.DB.WithContext(ctx)
	res := db.Model(&Image{}).
		Where("id = ? AND status IN ?", imageID, from).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("updating image %d: %w", imageID, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var current Image
	err := db.Select("status").First(&current, imageID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("image %d: %w", imageID, ErrNotFound)
	case err != nil:
		return fmt.Errorf("getting image %d: %w", imageID, err)
	}
	return fmt.Errorf("%w: image %d from %s to %s", ErrInvalidTransition, imageID, current.Status, status)
}

// PendingScanIDs returns the scans with at least one image not uploaded yet,
// oldest first.
func (s *Store) PendingScanIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.DB.WithContext(ctx).
		Model(&Scan{}).
		Where("deleted = ?", false).
		Where("EXISTS (SELECT 1 FROM images WHERE images.scan_id = scans.id AND images.status <> ?)", StatusUploaded).
		Order("capture_date ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("listing pending scans: %w", err)
	}
	return ids, nil
}
