package server

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/boardready/internal/devices"
)

type dimensionsPayload struct {
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
	Thickness float64 `json:"thickness"`
}

type devicePayload struct {
	ID              string             `json:"id"`
	OrganizationID  string             `json:"organizationId"`
	Name            string             `json:"name"`
	Description     string             `json:"description"`
	Version         string             `json:"version"`
	Status          devices.Status     `json:"status"`
	BoardDimensions *dimensionsPayload `json:"boardDimensions,omitempty"`
	LayerCount      *int               `json:"layerCount,omitempty"`
	ComponentCount  *int               `json:"componentCount,omitempty"`
	CreatedBy       string             `json:"createdBy"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

type deviceWithStatsPayload struct {
	devicePayload
	FileCount                 int        `json:"fileCount"`
	TotalFileSize             int64      `json:"totalFileSize"`
	LastUploadedAt            *time.Time `json:"lastUploadedAt"`
	ManufacturingPackageCount int        `json:"manufacturingPackageCount"`
}

type deviceWithFilesPayload struct {
	devicePayload
	Files         []filePayload    `json:"files"`
	StatusHistory []historyPayload `json:"statusHistory"`
}

type deviceListPayload struct {
	Data   []deviceWithStatsPayload `json:"data"`
	Total  int64                    `json:"total"`
	Limit  int                      `json:"limit"`
	Offset int                      `json:"offset"`
}

type filePayload struct {
	ID          string           `json:"id"`
	DeviceID    string           `json:"deviceId"`
	FileName    string           `json:"fileName"`
	FileType    devices.FileType `json:"fileType"`
	FileSize    int64            `json:"fileSize"`
	FilePath    string           `json:"filePath"`
	ContentType string           `json:"contentType"`
	ContentHash string           `json:"contentHash"`
	Version     int              `json:"version"`
	Description string           `json:"description"`
	Metadata    map[string]any   `json:"metadata"`
	UploadedBy  string           `json:"uploadedBy"`
	UploadedAt  time.Time        `json:"uploadedAt"`
}

type historyPayload struct {
	ID             string          `json:"id"`
	DeviceID       string          `json:"deviceId"`
	PreviousStatus *devices.Status `json:"previousStatus"`
	NewStatus      devices.Status  `json:"newStatus"`
	ChangedBy      string          `json:"changedBy"`
	ChangedAt      time.Time       `json:"changedAt"`
	Notes          string          `json:"notes"`
	Metadata       map[string]any  `json:"metadata"`
}

type packagePayload struct {
	ID          string          `json:"id"`
	DeviceID    string          `json:"deviceId"`
	PackageName string          `json:"packageName"`
	PackagePath string          `json:"packagePath"`
	FileCount   int             `json:"fileCount"`
	TotalSize   int64           `json:"totalSize"`
	Checksum    string          `json:"checksum"`
	Manifest    json.RawMessage `json:"manifest"`
	GeneratedBy string          `json:"generatedBy"`
	GeneratedAt time.Time       `json:"generatedAt"`
	ExpiresAt   *time.Time      `json:"expiresAt"`
}

type transitionPayload struct {
	From         devices.Status     `json:"from"`
	To           devices.Status     `json:"to"`
	Allowed      bool               `json:"allowed"`
	Structural   bool               `json:"structurallyAllowed"`
	Requirements []devices.FileType `json:"requirements"`
	MissingFiles []devices.FileType `json:"missingFiles"`
}

type downloadPayload struct {
	File      filePayload `json:"file"`
	URL       string      `json:"url"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

type createDeviceRequest struct {
	Name            string             `json:"name"`
	Description     string             `json:"description"`
	Version         string             `json:"version"`
	BoardDimensions *dimensionsPayload `json:"boardDimensions"`
	LayerCount      *int               `json:"layerCount"`
	ComponentCount  *int               `json:"componentCount"`
}

type updateDeviceRequest struct {
	Name            *string            `json:"name"`
	Description     *string            `json:"description"`
	Version         *string            `json:"version"`
	Status          *string            `json:"status"`
	BoardDimensions *dimensionsPayload `json:"boardDimensions"`
	LayerCount      *int               `json:"layerCount"`
	ComponentCount  *int               `json:"componentCount"`
}

type statusChangeRequest struct {
	Status   string         `json:"status"`
	Notes    string         `json:"notes"`
	Metadata map[string]any `json:"metadata"`
}

type packageRequest struct {
	PackageName  string   `json:"packageName"`
	IncludeTypes []string `json:"includeTypes"`
	ExpiryHours  *int     `json:"expiryHours"`
}

func toDevicePayload(device devices.Device) devicePayload {
	payload := devicePayload{
		ID:             device.ID,
		OrganizationID: device.OrganizationID,
		Name:           device.Name,
		Description:    device.Description,
		Version:        device.Version,
		Status:         device.Status,
		LayerCount:     device.LayerCount,
		ComponentCount: device.ComponentCount,
		CreatedBy:      device.CreatedBy,
		CreatedAt:      device.CreatedAt,
		UpdatedAt:      device.UpdatedAt,
	}
	if dimensions := device.Dimensions(); dimensions != nil {
		payload.BoardDimensions = &dimensionsPayload{
			Width:     dimensions.Width,
			Height:    dimensions.Height,
			Thickness: dimensions.Thickness,
		}
	}
	return payload
}

func toFilePayload(file devices.DeviceFile) filePayload {
	return filePayload{
		ID:          file.ID,
		DeviceID:    file.DeviceID,
		FileName:    file.FileName,
		FileType:    file.FileType,
		FileSize:    file.FileSize,
		FilePath:    file.FilePath,
		ContentType: file.ContentType,
		ContentHash: file.ContentHash,
		Version:     file.Version,
		Description: file.Description,
		Metadata:    file.Metadata,
		UploadedBy:  file.UploadedBy,
		UploadedAt:  file.UploadedAt,
	}
}

func toFilePayloads(files []devices.DeviceFile) []filePayload {
	payloads := make([]filePayload, 0, len(files))
	for _, file := range files {
		payloads = append(payloads, toFilePayload(file))
	}
	return payloads
}

func toHistoryPayload(entry devices.StatusHistory) historyPayload {
	return historyPayload{
		ID:             entry.ID,
		DeviceID:       entry.DeviceID,
		PreviousStatus: entry.PreviousStatus,
		NewStatus:      entry.NewStatus,
		ChangedBy:      entry.ChangedBy,
		ChangedAt:      entry.ChangedAt,
		Notes:          entry.Notes,
		Metadata:       entry.Metadata,
	}
}

func toHistoryPayloads(entries []devices.StatusHistory) []historyPayload {
	payloads := make([]historyPayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, toHistoryPayload(entry))
	}
	return payloads
}

func toPackagePayload(pkg devices.ManufacturingPackage) packagePayload {
	manifest := json.RawMessage(pkg.Manifest)
	if len(manifest) == 0 {
		manifest = json.RawMessage("[]")
	}
	return packagePayload{
		ID:          pkg.ID,
		DeviceID:    pkg.DeviceID,
		PackageName: pkg.PackageName,
		PackagePath: pkg.PackagePath,
		FileCount:   pkg.FileCount,
		TotalSize:   pkg.TotalSize,
		Checksum:    pkg.Checksum,
		Manifest:    manifest,
		GeneratedBy: pkg.GeneratedBy,
		GeneratedAt: pkg.GeneratedAt,
		ExpiresAt:   pkg.ExpiresAt,
	}
}

func toTransitionPayloads(options []devices.TransitionOption) []transitionPayload {
	payloads := make([]transitionPayload, 0, len(options))
	for _, option := range options {
		payloads = append(payloads, transitionPayload{
			From:         option.From,
			To:           option.To,
			Allowed:      option.Allowed,
			Structural:   option.Structural,
			Requirements: nonNilFileTypes(option.Required),
			MissingFiles: nonNilFileTypes(option.Missing),
		})
	}
	return payloads
}

func eventDataPayload(data any) any {
	switch value := data.(type) {
	case devices.StatusHistory:
		return toHistoryPayload(value)
	case devices.DeviceFile:
		return toFilePayload(value)
	case devices.ManufacturingPackage:
		return toPackagePayload(value)
	default:
		return value
	}
}

func nonNilFileTypes(types []devices.FileType) []devices.FileType {
	if types == nil {
		return []devices.FileType{}
	}
	return types
}

func (r createDeviceRequest) toInput() devices.CreateDeviceInput {
	return devices.CreateDeviceInput{
		Name:            r.Name,
		Description:     r.Description,
		Version:         r.Version,
		BoardDimensions: r.BoardDimensions.toDomain(),
		LayerCount:      r.LayerCount,
		ComponentCount:  r.ComponentCount,
	}
}

func (r updateDeviceRequest) toPatch() devices.DevicePatch {
	return devices.DevicePatch{
		Name:            r.Name,
		Description:     r.Description,
		Version:         r.Version,
		BoardDimensions: r.BoardDimensions.toDomain(),
		LayerCount:      r.LayerCount,
		ComponentCount:  r.ComponentCount,
	}
}

func (p *dimensionsPayload) toDomain() *devices.BoardDimensions {
	if p == nil {
		return nil
	}
	return &devices.BoardDimensions{Width: p.Width, Height: p.Height, Thickness: p.Thickness}
}
