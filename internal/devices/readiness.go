package devices

// requiredFiles lists the artifacts that must exist before a status is entered.
var requiredFiles = map[Status][]FileType{
	StatusReview:                {FileTypeGerberZip, FileTypeBomCSV},
	StatusReadyForManufacturing: {FileTypeGerberZip, FileTypeBomCSV, FileTypeCplCSV},
}

// manufacturingFiles must be part of every manufacturing package.
var manufacturingFiles = []FileType{FileTypeGerberZip, FileTypeBomCSV, FileTypeCplCSV}

// Readiness is the outcome of a file precondition check.
type Readiness struct {
	Satisfied bool
	Required  []FileType
	Missing   []FileType
}

// RequiredFiles returns the file types a target status requires.
func RequiredFiles(target Status) []FileType {
	return append([]FileType(nil), requiredFiles[target]...)
}

// CheckReadiness compares the uploaded types against the target's requirements.
func CheckReadiness(target Status, uploaded FileTypeSet) Readiness {
	required := RequiredFiles(target)
	missing := missingFrom(required, uploaded)
	return Readiness{
		Satisfied: len(missing) == 0,
		Required:  required,
		Missing:   missing,
	}
}

func missingFrom(required []FileType, uploaded FileTypeSet) []FileType {
	var missing []FileType
	for _, fileType := range required {
		if !uploaded.Has(fileType) {
			missing = append(missing, fileType)
		}
	}
	return missing
}
