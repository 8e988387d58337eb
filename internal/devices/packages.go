package devices

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	opGeneratePackage = "devices.generate_package"
	opListPackages    = "devices.list_packages"

	// DefaultPackageExpiry applies when a request omits expiryHours.
	DefaultPackageExpiry = 168 * time.Hour

	minExpiryHours = 1
	maxExpiryHours = 720

	reasonManifestEncodeFailed = "manifest_encode_failed"
	reasonPackageInsertFailed  = "package_insert_failed"
)

// PackageRequest selects what goes into a manufacturing package.
type PackageRequest struct {
	Name         string
	IncludeTypes []string
	ExpiryHours  *int
}

// ManifestEntry lists one file captured by a package.
type ManifestEntry struct {
	FileID      string   `json:"fileId"`
	FileType    FileType `json:"fileType"`
	FileName    string   `json:"fileName"`
	Version     int      `json:"version"`
	FileSize    int64    `json:"fileSize"`
	ContentHash string   `json:"contentHash"`
	Path        string   `json:"path"`
}

// GeneratePackage records a manufacturing package built from the latest version
// of each selected logical file. Archive bytes are not produced; PackagePath names
// the object key the archive belongs under.
func (s *Service) GeneratePackage(ctx context.Context, scope Scope, deviceID string, request PackageRequest) (ManufacturingPackage, error) {
	if s.db == nil {
		s.logError(opGeneratePackage, reasonMissingDatabase, errMissingDatabase)
		return ManufacturingPackage{}, newServiceError(opGeneratePackage, reasonMissingDatabase, errMissingDatabase)
	}
	if err := scope.validate(); err != nil {
		return ManufacturingPackage{}, err
	}
	include, err := includeSet(request.IncludeTypes)
	if err != nil {
		return ManufacturingPackage{}, err
	}
	expiry := DefaultPackageExpiry
	if request.ExpiryHours != nil {
		hours := *request.ExpiryHours
		if hours < minExpiryHours || hours > maxExpiryHours {
			return ManufacturingPackage{}, newValidationError("expiryHours", "expiry hours must be between %d and %d", minExpiryHours, maxExpiryHours)
		}
		expiry = time.Duration(hours) * time.Hour
	}

	var generated ManufacturingPackage
	var organizationID string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		device, err := s.findDevice(tx, opGeneratePackage, scope, deviceID, true)
		if err != nil {
			return err
		}
		organizationID = device.OrganizationID
		if !device.Status.ManufacturingEligible() {
			return newNotEligibleError(device.Status)
		}

		files, err := s.loadFiles(tx, opGeneratePackage, []string{device.ID})
		if err != nil {
			return err
		}
		selected := make([]DeviceFile, 0, len(files))
		for _, file := range latestFiles(files) {
			if include == nil || include.Has(file.FileType) {
				selected = append(selected, file)
			}
		}
		present := make(FileTypeSet, len(selected))
		var totalSize int64
		for _, file := range selected {
			present[file.FileType] = struct{}{}
			totalSize += file.FileSize
		}
		if missing := missingFrom(manufacturingFiles, present); len(missing) > 0 {
			return newPreconditionError(device.Status, missing)
		}
		if totalSize > MaxPackageSize {
			return newTooLargeError("package size %d exceeds %d bytes", totalSize, MaxPackageSize)
		}

		packageID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opGeneratePackage, reasonIDGenerationFailed, err, deviceFields(device)...)
			return newServiceError(opGeneratePackage, reasonIDGenerationFailed, err)
		}
		manifest, err := json.Marshal(buildManifest(selected))
		if err != nil {
			s.logError(opGeneratePackage, reasonManifestEncodeFailed, err, deviceFields(device)...)
			return newServiceError(opGeneratePackage, reasonManifestEncodeFailed, err)
		}

		name := strings.TrimSpace(request.Name)
		if name == "" {
			name = DefaultPackageName(device)
		}
		generatedAt := s.clock().UTC()
		generated = ManufacturingPackage{
			ID:          packageID,
			DeviceID:    device.ID,
			PackageName: name,
			PackagePath: path.Join("packages", device.ID, packageID+".zip"),
			FileCount:   len(selected),
			TotalSize:   totalSize,
			Checksum:    PackageChecksum(selected),
			Manifest:    datatypes.JSON(manifest),
			GeneratedBy: scope.UserID,
			GeneratedAt: generatedAt,
			ExpiresAt:   pointerTo(generatedAt.Add(expiry)),
		}
		if err := tx.Create(&generated).Error; err != nil {
			s.logError(opGeneratePackage, reasonPackageInsertFailed, err, deviceFields(device)...)
			return newServiceError(opGeneratePackage, reasonPackageInsertFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return ManufacturingPackage{}, txErr
	}

	s.logger.Info("manufacturing package generated",
		zap.String(fieldDeviceID, generated.DeviceID),
		zap.String("package_id", generated.ID),
		zap.Int("file_count", generated.FileCount))
	s.publish(organizationID, generated.DeviceID, EventPackageGenerated, generated, generated.GeneratedAt)
	return generated, nil
}

// ListPackages returns the device's manufacturing packages, newest first.
func (s *Service) ListPackages(ctx context.Context, scope Scope, deviceID string) ([]ManufacturingPackage, error) {
	if s.db == nil {
		s.logError(opListPackages, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListPackages, reasonMissingDatabase, errMissingDatabase)
	}
	db := s.db.WithContext(ctx)
	device, err := s.findDevice(db, opListPackages, scope, deviceID, false)
	if err != nil {
		return nil, err
	}
	var packages []ManufacturingPackage
	if err := db.Where(queryDeviceID, device.ID).
		Order("generated_at DESC").
		Order("id DESC").
		Find(&packages).Error; err != nil {
		s.logError(opListPackages, reasonQueryFailed, err, deviceFields(device)...)
		return nil, newServiceError(opListPackages, reasonQueryFailed, err)
	}
	return packages, nil
}

// DefaultPackageName derives a package name from the device name and version.
func DefaultPackageName(device Device) string {
	return fmt.Sprintf("%s_v%s_manufacturing", device.Name, device.Version)
}

// PackageChecksum hashes the sorted "fileId:contentHash" lines of the files.
func PackageChecksum(files []DeviceFile) string {
	lines := make([]string, 0, len(files))
	for _, file := range files {
		lines = append(lines, file.ID+":"+file.ContentHash)
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

func buildManifest(files []DeviceFile) []ManifestEntry {
	entries := make([]ManifestEntry, 0, len(files))
	for _, file := range files {
		entries = append(entries, ManifestEntry{
			FileID:      file.ID,
			FileType:    file.FileType,
			FileName:    file.FileName,
			Version:     file.Version,
			FileSize:    file.FileSize,
			ContentHash: file.ContentHash,
			Path:        path.Join(string(file.FileType), file.FileName),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].FileType != entries[j].FileType {
			return entries[i].FileType < entries[j].FileType
		}
		return entries[i].FileName < entries[j].FileName
	})
	return entries
}

func includeSet(raw []string) (FileTypeSet, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	set := make(FileTypeSet, len(raw))
	for _, value := range raw {
		fileType, err := ParseFileType(value)
		if err != nil {
			return nil, err
		}
		set[fileType] = struct{}{}
	}
	return set, nil
}
