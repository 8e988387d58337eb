package devices

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultVersion is assigned when a device is created without a version.
	DefaultVersion = "1.0.0"
	// MaxNameLength bounds device names in characters.
	MaxNameLength = 100
	// MaxFileSize bounds a single uploaded artifact.
	MaxFileSize int64 = 200 * 1024 * 1024
	// MaxPackageSize bounds the combined size of a manufacturing package.
	MaxPackageSize int64 = 500 * 1024 * 1024

	minLayerCount = 1
	maxLayerCount = 32
)

var versionPattern = regexp.MustCompile(`^[0-9]+\.[0-9]+\.[0-9]+$`)

// Scope identifies the acting user and the organization an operation runs in.
type Scope struct {
	OrganizationID string
	UserID         string
}

func (s Scope) validate() error {
	if strings.TrimSpace(s.OrganizationID) == "" {
		return newValidationError("organizationId", "organization id is required")
	}
	if strings.TrimSpace(s.UserID) == "" {
		return newValidationError("changedBy", "acting user is required")
	}
	return nil
}

// CreateDeviceInput carries the fields accepted when registering a device.
type CreateDeviceInput struct {
	Name            string
	Description     string
	Version         string
	BoardDimensions *BoardDimensions
	LayerCount      *int
	ComponentCount  *int
}

// DevicePatch lists field edits; nil members are left unchanged.
type DevicePatch struct {
	Name            *string
	Description     *string
	Version         *string
	BoardDimensions *BoardDimensions
	LayerCount      *int
	ComponentCount  *int
}

// Empty reports whether the patch edits nothing.
func (p DevicePatch) Empty() bool {
	return p.Name == nil && p.Description == nil && p.Version == nil &&
		p.BoardDimensions == nil && p.LayerCount == nil && p.ComponentCount == nil
}

// EditPolicy controls when field edits are refused.
type EditPolicy struct {
	// LockAfterSubmit refuses edits once a device is submitted to a manufacturer.
	LockAfterSubmit bool
}

// Locks reports whether the policy forbids edits in the status.
func (p EditPolicy) Locks(status Status) bool {
	if !p.LockAfterSubmit {
		return false
	}
	switch status {
	case StatusSubmitted, StatusInProduction, StatusCompleted:
		return true
	default:
		return false
	}
}

// StatusChangeRequest is an inbound request to move a device to another status.
type StatusChangeRequest struct {
	Status   string
	Actor    string
	Notes    string
	Metadata map[string]any
}

// Transition is the result of an accepted status change: the updated device and
// the history entry that must be committed with it.
type Transition struct {
	Device Device
	Entry  StatusHistory
}

// ValidateName enforces the 1..100 character rule and returns the trimmed name.
func ValidateName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", newValidationError("name", "name is required")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return "", newValidationError("name", "name exceeds %d characters", MaxNameLength)
	}
	return name, nil
}

// ValidateVersion accepts strictly numeric MAJOR.MINOR.PATCH strings.
func ValidateVersion(raw string) (string, error) {
	if !versionPattern.MatchString(raw) {
		return "", newValidationError("version", "version %q must match MAJOR.MINOR.PATCH", raw)
	}
	return raw, nil
}

func validateDimensions(dimensions BoardDimensions) error {
	if dimensions.Width <= 0 || dimensions.Height <= 0 || dimensions.Thickness <= 0 {
		return newValidationError("boardDimensions", "board dimensions must be positive")
	}
	return nil
}

func validateLayerCount(count int) error {
	if count < minLayerCount || count > maxLayerCount {
		return newValidationError("layerCount", "layer count must be between %d and %d", minLayerCount, maxLayerCount)
	}
	return nil
}

func validateComponentCount(count int) error {
	if count < 0 {
		return newValidationError("componentCount", "component count must not be negative")
	}
	return nil
}

// NewDevice builds a draft device and its implicit creation history entry.
// Identifiers are left empty for the caller to assign.
func NewDevice(scope Scope, input CreateDeviceInput, now time.Time) (Device, StatusHistory, error) {
	if err := scope.validate(); err != nil {
		return Device{}, StatusHistory{}, err
	}
	name, err := ValidateName(input.Name)
	if err != nil {
		return Device{}, StatusHistory{}, err
	}
	version := input.Version
	if version == "" {
		version = DefaultVersion
	}
	if _, err := ValidateVersion(version); err != nil {
		return Device{}, StatusHistory{}, err
	}

	createdAt := now.UTC()
	device := Device{
		OrganizationID: scope.OrganizationID,
		Name:           name,
		Description:    strings.TrimSpace(input.Description),
		Version:        version,
		Status:         StatusDraft,
		CreatedBy:      scope.UserID,
		Revision:       1,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
	if input.BoardDimensions != nil {
		if err := validateDimensions(*input.BoardDimensions); err != nil {
			return Device{}, StatusHistory{}, err
		}
		device.setDimensions(*input.BoardDimensions)
	}
	if input.LayerCount != nil {
		if err := validateLayerCount(*input.LayerCount); err != nil {
			return Device{}, StatusHistory{}, err
		}
		device.LayerCount = pointerTo(*input.LayerCount)
	}
	if input.ComponentCount != nil {
		if err := validateComponentCount(*input.ComponentCount); err != nil {
			return Device{}, StatusHistory{}, err
		}
		device.ComponentCount = pointerTo(*input.ComponentCount)
	}

	entry := StatusHistory{
		PreviousStatus: nil,
		NewStatus:      StatusDraft,
		ChangedBy:      scope.UserID,
		ChangedAt:      createdAt,
		Notes:          "Device created",
	}
	return device, entry, nil
}

// RequestStatusChange decides a status change for a device snapshot. It checks,
// in order: the target is a known status, the edge exists in the workflow graph,
// and the uploaded file types satisfy the target's requirements. On success both
// the updated device and its history entry are returned; on rejection neither is.
func RequestStatusChange(device Device, request StatusChangeRequest, uploaded FileTypeSet, now time.Time) (Transition, error) {
	target, err := ParseStatus(request.Status)
	if err != nil {
		return Transition{}, err
	}
	actor := strings.TrimSpace(request.Actor)
	if actor == "" {
		return Transition{}, newValidationError("changedBy", "acting user is required")
	}
	if !IsAllowed(device.Status, target) {
		return Transition{}, newIllegalTransitionError(device.Status, target)
	}
	readiness := CheckReadiness(target, uploaded)
	if !readiness.Satisfied {
		return Transition{}, newPreconditionError(target, readiness.Missing)
	}

	changedAt := monotonicAfter(device.UpdatedAt, now)
	previous := device.Status

	updated := device
	updated.Status = target
	updated.UpdatedAt = changedAt
	updated.Revision = device.Revision + 1

	entry := StatusHistory{
		DeviceID:       device.ID,
		PreviousStatus: &previous,
		NewStatus:      target,
		ChangedBy:      actor,
		ChangedAt:      changedAt,
		Notes:          request.Notes,
		Metadata:       copyMetadata(request.Metadata),
	}
	return Transition{Device: updated, Entry: entry}, nil
}

// ApplyPatch applies field edits to a device. Status is never changed here.
func ApplyPatch(device Device, patch DevicePatch, policy EditPolicy, now time.Time) (Device, error) {
	if patch.Empty() {
		return Device{}, newValidationError("body", "no updatable fields supplied")
	}
	if policy.Locks(device.Status) {
		return Device{}, newLockedError(device.Status)
	}

	updated := device
	if patch.Name != nil {
		name, err := ValidateName(*patch.Name)
		if err != nil {
			return Device{}, err
		}
		updated.Name = name
	}
	if patch.Description != nil {
		updated.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.Version != nil {
		version, err := ValidateVersion(*patch.Version)
		if err != nil {
			return Device{}, err
		}
		updated.Version = version
	}
	if patch.BoardDimensions != nil {
		if err := validateDimensions(*patch.BoardDimensions); err != nil {
			return Device{}, err
		}
		updated.setDimensions(*patch.BoardDimensions)
	}
	if patch.LayerCount != nil {
		if err := validateLayerCount(*patch.LayerCount); err != nil {
			return Device{}, err
		}
		updated.LayerCount = pointerTo(*patch.LayerCount)
	}
	if patch.ComponentCount != nil {
		if err := validateComponentCount(*patch.ComponentCount); err != nil {
			return Device{}, err
		}
		updated.ComponentCount = pointerTo(*patch.ComponentCount)
	}

	updated.Status = device.Status
	updated.UpdatedAt = monotonicAfter(device.UpdatedAt, now)
	updated.Revision = device.Revision + 1
	return updated, nil
}

// monotonicAfter keeps updatedAt and ledger time from moving backwards.
func monotonicAfter(previous, now time.Time) time.Time {
	candidate := now.UTC()
	if candidate.Before(previous) {
		return previous.UTC()
	}
	return candidate
}

func copyMetadata(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return nil
	}
	copied := make(map[string]any, len(metadata))
	for key, value := range metadata {
		copied[key] = value
	}
	return copied
}
