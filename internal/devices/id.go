package devices

import "github.com/google/uuid"

// IDProvider issues identifiers for devices, files, history entries and packages.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers, which
// sort by creation time.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// ValidDeviceID reports whether raw is a well-formed UUID.
func ValidDeviceID(raw string) bool {
	_, err := uuid.Parse(raw)
	return err == nil
}
