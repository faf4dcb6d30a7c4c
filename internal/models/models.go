package models

import (
	"time"

	"fileforge/internal/domain"
)

// ConversionOptions are the per-job knobs stored with a conversion.
type ConversionOptions struct {
	Wrap         string `json:"wrap,omitempty"`
	Standalone   bool   `json:"standalone,omitempty"`
	ExtractMedia *bool  `json:"extract_media,omitempty"`
	PDFEngine    string `json:"pdf_engine,omitempty"`
}

// ResizeOptions describe an optional optimization resize.
type ResizeOptions struct {
	Enabled             bool `json:"enabled"`
	TargetWidth         int  `json:"target_width,omitempty"`
	TargetHeight        int  `json:"target_height,omitempty"`
	TargetMaxDimension  int  `json:"target_max_dimension,omitempty"`
	MaintainAspectRatio bool `json:"maintain_aspect_ratio"`
}

// JobBase holds the columns shared by every job table.
// Ownership is either (TenantID, UserID) or (ClientIP, UserAgent), never both.
type JobBase struct {
	ID        string         `gorm:"primaryKey;size:36"`
	Surface   domain.Surface `gorm:"size:32;index"`
	TenantID  string         `gorm:"size:64;index"`
	UserID    string         `gorm:"size:64"`
	ClientIP  string         `gorm:"size:64;index"`
	UserAgent string         `gorm:"size:255"`

	OriginalFilename string
	OriginalSize     int64
	InputFormat      string `gorm:"size:16"`
	InputName        string // name of the file under inputs/<folder>/
	InputStampedAt   time.Time
	DetectedMIME     string `gorm:"size:128"`

	Status       domain.Status `gorm:"size:16;index"`
	Progress     int
	ErrorMessage string `gorm:"size:500"`
	TaskID       string `gorm:"size:64"`

	OutputFilename *string
	OutputSize     *int64
	DownloadToken  *string    `gorm:"size:36;uniqueIndex"`
	ExpiresAt      *time.Time `gorm:"index"`

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Base gives generic code access to the shared columns.
func (b *JobBase) Base() *JobBase { return b }

// Identity reconstructs the owner of the row.
func (b *JobBase) Identity() domain.Identity {
	if b.TenantID != "" {
		return domain.TenantIdentity(b.TenantID, b.UserID)
	}
	return domain.PublicIdentity(b.ClientIP, b.UserAgent)
}

// ConversionJob tracks one format conversion.
type ConversionJob struct {
	JobBase
	OutputFormat   string            `gorm:"size:16"`
	Options        ConversionOptions `gorm:"serializer:json"`
	ConversionTime *float64
}

// OptimizationJob tracks one in-place recompress/resize. Output format equals input format.
type OptimizationJob struct {
	JobBase
	QualityLevel     domain.QualityLevel `gorm:"size:16"`
	Resize           ResizeOptions       `gorm:"serializer:json"`
	BatchID          *string             `gorm:"size:36;index"`
	FinalWidth       *int
	FinalHeight      *int
	FinalQuality     *int
	CompressionRatio *float64
	BytesSaved       *int64
	PercentageSaved  *float64
	OptimizationTime *float64
}

// CompressionBatch groups public compression members. It is committed against
// the IP quota once, when the last member finishes and none failed.
type CompressionBatch struct {
	ID        string `gorm:"primaryKey;size:36"`
	ClientIP  string `gorm:"size:64;index"`
	UserAgent string `gorm:"size:255"`
	Total     int
	Completed int
	Failed    int
	Committed bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TenantQuota is the monthly ledger for one tenant on one surface.
type TenantQuota struct {
	TenantID         string         `gorm:"primaryKey;size:64"`
	Surface          domain.Surface `gorm:"primaryKey;size:32"`
	MonthlyLimit     int
	MonthUsage       int
	MaxFileBytes     int64
	ResetAt          time.Time
	CanUseLossless   bool
	CanResize        bool
	CanCustomQuality bool
	MaxResolution    int
	LastActionAt     time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IPQuota is the hourly/daily ledger for one client address on one surface.
type IPQuota struct {
	IP               string         `gorm:"primaryKey;size:64"`
	Surface          domain.Surface `gorm:"primaryKey;size:32"`
	HourlyLimit      int
	HourlyUsage      int
	DailyLimit       int
	DailyUsage       int
	MaxFileBytes     int64
	MaxFilesPerBatch int
	MaxBatchBytes    int64
	LastActionAt     time.Time `gorm:"index"`
	Blocked          bool
	BlockReason      string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ExpiredToken remembers the download token of a swept job so a late
// download still reports expired instead of not found.
type ExpiredToken struct {
	Token     string    `gorm:"primaryKey;size:36"`
	JobID     string    `gorm:"size:36"`
	ExpiredAt time.Time `gorm:"index"`
	CreatedAt time.Time
}

// All lists every model for AutoMigrate.
func All() []any {
	return []any{
		&ConversionJob{},
		&OptimizationJob{},
		&CompressionBatch{},
		&TenantQuota{},
		&IPQuota{},
		&ExpiredToken{},
	}
}
