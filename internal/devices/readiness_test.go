package devices

import (
	"reflect"
	"testing"
)

func TestCheckReadiness(t *testing.T) {
	testCases := []struct {
		name      string
		target    Status
		uploaded  FileTypeSet
		satisfied bool
		missing   []FileType
	}{
		{
			name:      "review without files",
			target:    StatusReview,
			uploaded:  NewFileTypeSet(),
			satisfied: false,
			missing:   []FileType{FileTypeGerberZip, FileTypeBomCSV},
		},
		{
			name:      "review with gerber only",
			target:    StatusReview,
			uploaded:  NewFileTypeSet(FileTypeGerberZip, FileTypeSchematicPDF),
			satisfied: false,
			missing:   []FileType{FileTypeBomCSV},
		},
		{
			name:      "review satisfied",
			target:    StatusReview,
			uploaded:  NewFileTypeSet(FileTypeBomCSV, FileTypeGerberZip),
			satisfied: true,
		},
		{
			name:      "ready for manufacturing missing cpl",
			target:    StatusReadyForManufacturing,
			uploaded:  NewFileTypeSet(FileTypeGerberZip, FileTypeBomCSV),
			satisfied: false,
			missing:   []FileType{FileTypeCplCSV},
		},
		{
			name:      "ready for manufacturing satisfied",
			target:    StatusReadyForManufacturing,
			uploaded:  NewFileTypeSet(FileTypeGerberZip, FileTypeBomCSV, FileTypeCplCSV),
			satisfied: true,
		},
		{
			name:      "cancelled is vacuous",
			target:    StatusCancelled,
			uploaded:  nil,
			satisfied: true,
		},
		{
			name:      "submitted is vacuous",
			target:    StatusSubmitted,
			uploaded:  NewFileTypeSet(),
			satisfied: true,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			readiness := CheckReadiness(testCase.target, testCase.uploaded)
			if readiness.Satisfied != testCase.satisfied {
				t.Fatalf("expected satisfied=%t, got %t", testCase.satisfied, readiness.Satisfied)
			}
			if !reflect.DeepEqual(readiness.Missing, testCase.missing) {
				t.Fatalf("expected missing %v, got %v", testCase.missing, readiness.Missing)
			}
		})
	}
}

func TestRequiredFilesReturnsCopy(t *testing.T) {
	required := RequiredFiles(StatusReview)
	required[0] = FileTypeOther
	if got := RequiredFiles(StatusReview); got[0] != FileTypeGerberZip {
		t.Fatalf("requirement table was mutated: %v", got)
	}
}

func TestFileTypeSetSorted(t *testing.T) {
	set := NewFileTypeSet(FileTypeCplCSV, FileTypeBomCSV, FileTypeCplCSV)
	expected := []FileType{FileTypeBomCSV, FileTypeCplCSV}
	if got := set.Sorted(); !reflect.DeepEqual(got, expected) {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
