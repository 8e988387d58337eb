package devices

import (
	"sort"
	"strings"
)

// Status enumerates the manufacturing workflow states of a device.
type Status string

const (
	StatusDraft                 Status = "draft"
	StatusReview                Status = "review"
	StatusReadyForManufacturing Status = "ready_for_manufacturing"
	StatusSubmitted             Status = "submitted"
	StatusInProduction          Status = "in_production"
	StatusCompleted             Status = "completed"
	StatusCancelled             Status = "cancelled"
)

// AllStatuses lists every status in workflow order.
var AllStatuses = []Status{
	StatusDraft,
	StatusReview,
	StatusReadyForManufacturing,
	StatusSubmitted,
	StatusInProduction,
	StatusCompleted,
	StatusCancelled,
}

// ParseStatus validates raw input against the status enum. Matching is exact;
// surrounding whitespace or different casing is rejected.
func ParseStatus(raw string) (Status, error) {
	candidate := Status(raw)
	if candidate == "" {
		return "", newValidationError("status", "status is required")
	}
	if !candidate.Valid() {
		return "", newValidationError("status", "invalid status value %q", raw)
	}
	return candidate, nil
}

// Valid reports whether the status is one of the seven workflow states.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no transitions leave the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ManufacturingEligible reports whether packages may be generated in the status.
func (s Status) ManufacturingEligible() bool {
	switch s {
	case StatusReadyForManufacturing, StatusSubmitted, StatusInProduction, StatusCompleted:
		return true
	default:
		return false
	}
}

// FileType enumerates the artifact kinds that can be attached to a device.
type FileType string

const (
	FileTypeGerberZip       FileType = "gerber_zip"
	FileTypeBomCSV          FileType = "bom_csv"
	FileTypeCplCSV          FileType = "cpl_csv"
	FileTypeSchematicPDF    FileType = "schematic_pdf"
	FileTypeTechnicalSpec   FileType = "technical_spec"
	FileTypeAssemblyDrawing FileType = "assembly_drawing"
	FileTypeTestProcedure   FileType = "test_procedure"
	FileTypeOther           FileType = "other"
)

// AllFileTypes lists every supported file type.
var AllFileTypes = []FileType{
	FileTypeGerberZip,
	FileTypeBomCSV,
	FileTypeCplCSV,
	FileTypeSchematicPDF,
	FileTypeTechnicalSpec,
	FileTypeAssemblyDrawing,
	FileTypeTestProcedure,
	FileTypeOther,
}

// ParseFileType validates raw input against the file type enum.
func ParseFileType(raw string) (FileType, error) {
	candidate := FileType(raw)
	if candidate == "" {
		return "", newValidationError("fileType", "file type is required")
	}
	for _, known := range AllFileTypes {
		if candidate == known {
			return candidate, nil
		}
	}
	return "", newValidationError("fileType", "invalid file type %q", raw)
}

// FileTypeSet is a de-duplicated collection of file types.
type FileTypeSet map[FileType]struct{}

// NewFileTypeSet builds a set from the provided types.
func NewFileTypeSet(types ...FileType) FileTypeSet {
	set := make(FileTypeSet, len(types))
	for _, fileType := range types {
		set[fileType] = struct{}{}
	}
	return set
}

// Has reports whether the set contains the type.
func (s FileTypeSet) Has(fileType FileType) bool {
	_, ok := s[fileType]
	return ok
}

// Sorted returns the members in a stable order.
func (s FileTypeSet) Sorted() []FileType {
	result := make([]FileType, 0, len(s))
	for fileType := range s {
		result = append(result, fileType)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}
