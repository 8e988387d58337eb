package devices

import (
	"time"

	"gorm.io/datatypes"
)

// Device is a PCB design project tracked through the manufacturing workflow.
type Device struct {
	ID               string    `gorm:"column:id;primaryKey;size:64;not null"`
	OrganizationID   string    `gorm:"column:organization_id;size:190;not null;uniqueIndex:idx_devices_org_name,priority:1;index:idx_devices_org_updated,priority:1"`
	Name             string    `gorm:"column:name;size:100;not null;uniqueIndex:idx_devices_org_name,priority:2"`
	Description      string    `gorm:"column:description;type:text;not null;default:''"`
	Version          string    `gorm:"column:version;size:32;not null"`
	Status           Status    `gorm:"column:status;size:32;not null;index"`
	BoardWidthMM     *float64  `gorm:"column:board_width_mm"`
	BoardHeightMM    *float64  `gorm:"column:board_height_mm"`
	BoardThicknessMM *float64  `gorm:"column:board_thickness_mm"`
	LayerCount       *int      `gorm:"column:layer_count"`
	ComponentCount   *int      `gorm:"column:component_count"`
	CreatedBy        string    `gorm:"column:created_by;size:190;not null;index"`
	Revision         int64     `gorm:"column:revision;not null;default:1"`
	CreatedAt        time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt        time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false;index:idx_devices_org_updated,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Device) TableName() string {
	return "devices"
}

// BoardDimensions describes the physical board outline in millimetres.
type BoardDimensions struct {
	Width     float64
	Height    float64
	Thickness float64
}

// Dimensions returns the board outline, or nil when it was never recorded.
func (d Device) Dimensions() *BoardDimensions {
	if d.BoardWidthMM == nil || d.BoardHeightMM == nil || d.BoardThicknessMM == nil {
		return nil
	}
	return &BoardDimensions{
		Width:     *d.BoardWidthMM,
		Height:    *d.BoardHeightMM,
		Thickness: *d.BoardThicknessMM,
	}
}

func (d *Device) setDimensions(dimensions BoardDimensions) {
	d.BoardWidthMM = pointerTo(dimensions.Width)
	d.BoardHeightMM = pointerTo(dimensions.Height)
	d.BoardThicknessMM = pointerTo(dimensions.Thickness)
}

// DeviceFile is one uploaded version of a device artifact.
type DeviceFile struct {
	ID          string            `gorm:"column:id;primaryKey;size:64;not null"`
	DeviceID    string            `gorm:"column:device_id;size:64;not null;uniqueIndex:idx_device_files_logical,priority:1"`
	FileType    FileType          `gorm:"column:file_type;size:32;not null;uniqueIndex:idx_device_files_logical,priority:2"`
	FileName    string            `gorm:"column:file_name;size:255;not null;uniqueIndex:idx_device_files_logical,priority:3"`
	Version     int               `gorm:"column:version;not null;uniqueIndex:idx_device_files_logical,priority:4"`
	FileSize    int64             `gorm:"column:file_size;not null"`
	FilePath    string            `gorm:"column:file_path;size:512;not null"`
	ContentType string            `gorm:"column:content_type;size:190;not null;default:''"`
	ContentHash string            `gorm:"column:content_hash;size:64;not null"`
	Description string            `gorm:"column:description;type:text;not null;default:''"`
	Metadata    datatypes.JSONMap `gorm:"column:metadata"`
	UploadedBy  string            `gorm:"column:uploaded_by;size:190;not null"`
	UploadedAt  time.Time         `gorm:"column:uploaded_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DeviceFile) TableName() string {
	return "device_files"
}

// StatusHistory is an immutable audit entry for one status change.
type StatusHistory struct {
	ID             string            `gorm:"column:id;primaryKey;size:64;not null"`
	DeviceID       string            `gorm:"column:device_id;size:64;not null;uniqueIndex:idx_status_history_device_seq,priority:1"`
	Sequence       int64             `gorm:"column:sequence;not null;uniqueIndex:idx_status_history_device_seq,priority:2"`
	PreviousStatus *Status           `gorm:"column:previous_status;size:32"`
	NewStatus      Status            `gorm:"column:new_status;size:32;not null"`
	ChangedBy      string            `gorm:"column:changed_by;size:190;not null"`
	ChangedAt      time.Time         `gorm:"column:changed_at;not null;index"`
	Notes          string            `gorm:"column:notes;type:text;not null;default:''"`
	Metadata       datatypes.JSONMap `gorm:"column:metadata"`
}

// TableName provides the explicit table binding for GORM.
func (StatusHistory) TableName() string {
	return "device_status_history"
}

// ManufacturingPackage records a generated manufacturing bundle for a device.
type ManufacturingPackage struct {
	ID          string         `gorm:"column:id;primaryKey;size:64;not null"`
	DeviceID    string         `gorm:"column:device_id;size:64;not null;index"`
	PackageName string         `gorm:"column:package_name;size:255;not null"`
	PackagePath string         `gorm:"column:package_path;size:512;not null"`
	FileCount   int            `gorm:"column:file_count;not null"`
	TotalSize   int64          `gorm:"column:total_size;not null"`
	Checksum    string         `gorm:"column:checksum;size:64;not null"`
	Manifest    datatypes.JSON `gorm:"column:manifest"`
	GeneratedBy string         `gorm:"column:generated_by;size:190;not null"`
	GeneratedAt time.Time      `gorm:"column:generated_at;not null"`
	ExpiresAt   *time.Time     `gorm:"column:expires_at"`
}

// TableName provides the explicit table binding for GORM.
func (ManufacturingPackage) TableName() string {
	return "manufacturing_packages"
}

// Models lists every table owned by the package for schema migration.
func Models() []any {
	return []any{&Device{}, &DeviceFile{}, &StatusHistory{}, &ManufacturingPackage{}}
}

func pointerTo[T any](value T) *T {
	v := value
	return &v
}
