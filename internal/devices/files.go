package devices

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"path"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingObjectStore = errors.New("object store is required")

const (
	opUploadFile = "devices.upload_file"
	opListFiles  = "devices.list_files"
	opFileLink   = "devices.file_download_link"

	// DownloadLinkExpiry bounds how long a presigned artifact URL stays valid.
	DownloadLinkExpiry = 15 * time.Minute

	maxFileNameLength = 255

	reasonMissingObjectStore = "missing_object_store"
	reasonBlobWriteFailed    = "blob_write_failed"
	reasonFileInsertFailed   = "file_insert_failed"
	reasonVersionLookup      = "version_lookup_failed"
	reasonPresignFailed      = "presign_failed"
)

// ObjectStore persists uploaded artifact bytes.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

// DownloadLink is a time-limited locator for a stored artifact.
type DownloadLink struct {
	File      DeviceFile
	URL       string
	ExpiresAt time.Time
}

// FileUpload describes one artifact to attach to a device.
type FileUpload struct {
	FileName    string
	FileType    string
	Size        int64
	ContentType string
	Description string
	Metadata    map[string]any
	Body        io.Reader
}

// FileFilter narrows a file listing; empty members match everything.
type FileFilter struct {
	Type       string
	UploadedBy string
}

// BlobKey returns the object key for a stored artifact.
func BlobKey(deviceID string, fileType FileType, fileID, fileName string) string {
	return path.Join("devices", deviceID, string(fileType), fileID, fileName)
}

// UploadFile streams an artifact to the object store and records it as the next
// version of its logical file.
func (s *Service) UploadFile(ctx context.Context, scope Scope, deviceID string, upload FileUpload) (DeviceFile, error) {
	if s.db == nil {
		s.logError(opUploadFile, reasonMissingDatabase, errMissingDatabase)
		return DeviceFile{}, newServiceError(opUploadFile, reasonMissingDatabase, errMissingDatabase)
	}
	if s.objectStore == nil {
		s.logError(opUploadFile, reasonMissingObjectStore, errMissingObjectStore)
		return DeviceFile{}, newServiceError(opUploadFile, reasonMissingObjectStore, errMissingObjectStore)
	}
	if err := scope.validate(); err != nil {
		return DeviceFile{}, err
	}
	fileType, err := ParseFileType(upload.FileType)
	if err != nil {
		return DeviceFile{}, err
	}
	fileName, err := cleanFileName(upload.FileName)
	if err != nil {
		return DeviceFile{}, err
	}
	if upload.Body == nil || upload.Size <= 0 {
		return DeviceFile{}, newValidationError("file", "file is empty")
	}
	if upload.Size > MaxFileSize {
		return DeviceFile{}, newTooLargeError("file exceeds %d bytes", MaxFileSize)
	}

	device, err := s.findDevice(s.db.WithContext(ctx), opUploadFile, scope, deviceID, false)
	if err != nil {
		return DeviceFile{}, err
	}
	fileID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opUploadFile, reasonIDGenerationFailed, err, deviceFields(device)...)
		return DeviceFile{}, newServiceError(opUploadFile, reasonIDGenerationFailed, err)
	}

	key := BlobKey(device.ID, fileType, fileID, fileName)
	hasher := sha256.New()
	counter := &countingReader{reader: io.LimitReader(upload.Body, MaxFileSize+1)}
	if err := s.objectStore.Put(ctx, key, io.TeeReader(counter, hasher), upload.Size, upload.ContentType); err != nil {
		s.logError(opUploadFile, reasonBlobWriteFailed, err, deviceFields(device)...)
		return DeviceFile{}, newServiceError(opUploadFile, reasonBlobWriteFailed, err)
	}
	if counter.count > MaxFileSize {
		s.discardBlob(ctx, key)
		return DeviceFile{}, newTooLargeError("file exceeds %d bytes", MaxFileSize)
	}

	record := DeviceFile{
		ID:          fileID,
		DeviceID:    device.ID,
		FileType:    fileType,
		FileName:    fileName,
		FileSize:    counter.count,
		FilePath:    key,
		ContentType: upload.ContentType,
		ContentHash: hex.EncodeToString(hasher.Sum(nil)),
		Description: strings.TrimSpace(upload.Description),
		Metadata:    copyMetadata(upload.Metadata),
		UploadedBy:  scope.UserID,
		UploadedAt:  s.clock().UTC(),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.findDevice(tx, opUploadFile, scope, device.ID, true); err != nil {
			return err
		}
		var lastVersion int
		if err := tx.Model(&DeviceFile{}).
			Select("COALESCE(MAX(version), 0)").
			Where("device_id = ? AND file_type = ? AND file_name = ?", device.ID, fileType, fileName).
			Scan(&lastVersion).Error; err != nil {
			s.logError(opUploadFile, reasonVersionLookup, err, deviceFields(device)...)
			return newServiceError(opUploadFile, reasonVersionLookup, err)
		}
		record.Version = lastVersion + 1
		if err := tx.Create(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return newConflictError("file %s was uploaded concurrently", fileName)
			}
			s.logError(opUploadFile, reasonFileInsertFailed, err, deviceFields(device)...)
			return newServiceError(opUploadFile, reasonFileInsertFailed, err)
		}
		return nil
	})
	if txErr != nil {
		s.discardBlob(ctx, key)
		return DeviceFile{}, txErr
	}

	s.logger.Info("device file uploaded",
		zap.String(fieldDeviceID, device.ID),
		zap.String("file_type", string(fileType)),
		zap.Int("version", record.Version),
		zap.Int64("size", record.FileSize))
	s.publish(device.OrganizationID, device.ID, EventFileUpload, record, record.UploadedAt)
	return record, nil
}

// ListFiles returns the latest version of every logical file of a device.
func (s *Service) ListFiles(ctx context.Context, scope Scope, deviceID string, filter FileFilter) ([]DeviceFile, error) {
	if s.db == nil {
		s.logError(opListFiles, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListFiles, reasonMissingDatabase, errMissingDatabase)
	}
	db := s.db.WithContext(ctx)
	device, err := s.findDevice(db, opListFiles, scope, deviceID, false)
	if err != nil {
		return nil, err
	}

	query := db.Where(queryDeviceID, device.ID)
	if raw := strings.TrimSpace(filter.Type); raw != "" {
		fileType, err := ParseFileType(raw)
		if err != nil {
			return nil, err
		}
		query = query.Where("file_type = ?", fileType)
	}
	if uploadedBy := strings.TrimSpace(filter.UploadedBy); uploadedBy != "" {
		query = query.Where("uploaded_by = ?", uploadedBy)
	}

	var files []DeviceFile
	if err := query.Find(&files).Error; err != nil {
		s.logError(opListFiles, reasonFileLookupFailed, err, deviceFields(device)...)
		return nil, newServiceError(opListFiles, reasonFileLookupFailed, err)
	}
	return latestFiles(files), nil
}

// FileDownloadLink presigns a download URL for one stored file version.
func (s *Service) FileDownloadLink(ctx context.Context, scope Scope, deviceID, fileID string) (DownloadLink, error) {
	if s.db == nil {
		s.logError(opFileLink, reasonMissingDatabase, errMissingDatabase)
		return DownloadLink{}, newServiceError(opFileLink, reasonMissingDatabase, errMissingDatabase)
	}
	if s.objectStore == nil {
		s.logError(opFileLink, reasonMissingObjectStore, errMissingObjectStore)
		return DownloadLink{}, newServiceError(opFileLink, reasonMissingObjectStore, errMissingObjectStore)
	}
	db := s.db.WithContext(ctx)
	device, err := s.findDevice(db, opFileLink, scope, deviceID, false)
	if err != nil {
		return DownloadLink{}, err
	}
	var file DeviceFile
	err = db.Where("id = ? AND device_id = ?", fileID, device.ID).Take(&file).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DownloadLink{}, newFileNotFoundError(fileID)
	}
	if err != nil {
		s.logError(opFileLink, reasonFileLookupFailed, err, deviceFields(device)...)
		return DownloadLink{}, newServiceError(opFileLink, reasonFileLookupFailed, err)
	}
	expiresAt := s.clock().UTC().Add(DownloadLinkExpiry)
	url, err := s.objectStore.PresignGet(ctx, file.FilePath, DownloadLinkExpiry)
	if err != nil {
		s.logError(opFileLink, reasonPresignFailed, err, deviceFields(device)...)
		return DownloadLink{}, newServiceError(opFileLink, reasonPresignFailed, err)
	}
	return DownloadLink{File: file, URL: url, ExpiresAt: expiresAt}, nil
}

func (s *Service) loadFiles(db *gorm.DB, operation string, deviceIDs []string) ([]DeviceFile, error) {
	var files []DeviceFile
	if err := db.Where("device_id IN ?", deviceIDs).Find(&files).Error; err != nil {
		s.logError(operation, reasonFileLookupFailed, err)
		return nil, newServiceError(operation, reasonFileLookupFailed, err)
	}
	return files, nil
}

func (s *Service) discardBlob(ctx context.Context, key string) {
	if err := s.objectStore.Delete(context.WithoutCancel(ctx), key); err != nil {
		s.logger.Warn("orphaned blob not removed", zap.String("key", key), zap.Error(err))
	}
}

// latestFiles keeps the highest version of each logical file, newest upload first.
func latestFiles(files []DeviceFile) []DeviceFile {
	type logicalKey struct {
		deviceID string
		fileType FileType
		fileName string
	}
	latest := make(map[logicalKey]DeviceFile, len(files))
	for _, file := range files {
		key := logicalKey{deviceID: file.DeviceID, fileType: file.FileType, fileName: file.FileName}
		if current, ok := latest[key]; !ok || file.Version > current.Version {
			latest[key] = file
		}
	}
	result := make([]DeviceFile, 0, len(latest))
	for _, file := range latest {
		result = append(result, file)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].UploadedAt.Equal(result[j].UploadedAt) {
			return result[i].UploadedAt.After(result[j].UploadedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func cleanFileName(raw string) (string, error) {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(raw), "\\", "/"))
	if name == "" || name == "." || name == "/" || name == ".." {
		return "", newValidationError("fileName", "file name is required")
	}
	if utf8.RuneCountInString(name) > maxFileNameLength {
		return "", newValidationError("fileName", "file name exceeds %d characters", maxFileNameLength)
	}
	return name, nil
}

type countingReader struct {
	reader io.Reader
	count  int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.count += int64(n)
	return n, err
}
