package devices

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew          = "devices.service.new"
	opCreateDevice        = "devices.create_device"
	opGetDevice           = "devices.get_device"
	opListDevices         = "devices.list_devices"
	opUpdateDevice        = "devices.update_device"
	opChangeStatus        = "devices.change_status"
	opListHistory         = "devices.list_history"
	opDescribeTransitions = "devices.describe_transitions"

	fieldDeviceID       = "device_id"
	fieldOrganizationID = "organization_id"

	queryDeviceID       = "device_id = ?"
	queryDeviceInOrg    = "id = ? AND organization_id = ?"
	queryNameInOrg      = "organization_id = ? AND name = ?"
	queryDeviceRevision = "id = ? AND revision = ?"

	reasonMissingDatabase     = "missing_database"
	reasonIDGenerationFailed  = "id_generation_failed"
	reasonDeviceLookupFailed  = "device_lookup_failed"
	reasonDeviceInsertFailed  = "device_insert_failed"
	reasonDeviceUpdateFailed  = "device_update_failed"
	reasonHistoryAppendFailed = "history_append_failed"
	reasonQueryFailed         = "query_failed"
	reasonFileLookupFailed    = "file_lookup_failed"

	defaultPageSize = 20
	maxPageSize     = 100
)

// ServiceConfig describes the dependencies of the device service.
type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	IDProvider  IDProvider
	Logger      *zap.Logger
	ObjectStore ObjectStore
	Events      EventPublisher
	EditPolicy  EditPolicy
	MaxPageSize int
}

// Service runs device operations against persistent storage. Every status change
// executes in one transaction that locks the device row, so concurrent requests
// for the same device are serialised while different devices proceed in parallel.
type Service struct {
	db          *gorm.DB
	clock       func() time.Time
	idProvider  IDProvider
	logger      *zap.Logger
	objectStore ObjectStore
	events      EventPublisher
	editPolicy  EditPolicy
	maxPageSize int
	ledger      *HistoryLedger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	pageSize := cfg.MaxPageSize
	if pageSize <= 0 {
		pageSize = maxPageSize
	}

	return &Service{
		db:          cfg.Database,
		clock:       clock,
		idProvider:  cfg.IDProvider,
		logger:      logger,
		objectStore: cfg.ObjectStore,
		events:      cfg.Events,
		editPolicy:  cfg.EditPolicy,
		maxPageSize: pageSize,
		ledger:      NewHistoryLedger(cfg.Database, cfg.IDProvider),
	}, nil
}

// DeviceDetails bundles a device with its current files and full history.
type DeviceDetails struct {
	Device  Device
	Files   []DeviceFile
	History []StatusHistory
}

// DeviceSummary is a device with aggregate file and package statistics.
type DeviceSummary struct {
	Device                    Device
	FileCount                 int
	TotalFileSize             int64
	LastUploadedAt            *time.Time
	ManufacturingPackageCount int
}

// ListFilter narrows and pages a device listing. A zero Limit selects the default page size.
type ListFilter struct {
	Status    string
	CreatedBy string
	Search    string
	Limit     int
	Offset    int
}

// DevicePage is one page of a device listing.
type DevicePage struct {
	Devices []DeviceSummary
	Total   int64
	Limit   int
	Offset  int
}

// TransitionOption describes whether a device could move to a status right now.
type TransitionOption struct {
	From       Status
	To         Status
	Allowed    bool
	Structural bool
	Required   []FileType
	Missing    []FileType
}

// CreateDevice registers a draft device and its creation history entry.
func (s *Service) CreateDevice(ctx context.Context, scope Scope, input CreateDeviceInput) (Device, error) {
	if s.db == nil {
		s.logError(opCreateDevice, reasonMissingDatabase, errMissingDatabase)
		return Device{}, newServiceError(opCreateDevice, reasonMissingDatabase, errMissingDatabase)
	}

	device, entry, err := NewDevice(scope, input, s.clock())
	if err != nil {
		return Device{}, err
	}
	deviceID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateDevice, reasonIDGenerationFailed, err)
		return Device{}, newServiceError(opCreateDevice, reasonIDGenerationFailed, err)
	}
	device.ID = deviceID
	entry.DeviceID = deviceID

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensureUniqueName(tx, opCreateDevice, device); err != nil {
			return err
		}
		if err := tx.Create(&device).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return newConflictError("device named %q already exists", device.Name)
			}
			s.logError(opCreateDevice, reasonDeviceInsertFailed, err, deviceFields(device)...)
			return newServiceError(opCreateDevice, reasonDeviceInsertFailed, err)
		}
		if err := s.ledger.Append(tx, &entry); err != nil {
			s.logError(opCreateDevice, reasonHistoryAppendFailed, err, deviceFields(device)...)
			return newServiceError(opCreateDevice, reasonHistoryAppendFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return Device{}, txErr
	}

	s.logger.Info("device created", deviceFields(device)...)
	return device, nil
}

// GetDevice returns a device with its current files and history.
func (s *Service) GetDevice(ctx context.Context, scope Scope, deviceID string) (DeviceDetails, error) {
	if s.db == nil {
		s.logError(opGetDevice, reasonMissingDatabase, errMissingDatabase)
		return DeviceDetails{}, newServiceError(opGetDevice, reasonMissingDatabase, errMissingDatabase)
	}
	db := s.db.WithContext(ctx)
	device, err := s.findDevice(db, opGetDevice, scope, deviceID, false)
	if err != nil {
		return DeviceDetails{}, err
	}
	files, err := s.loadFiles(db, opGetDevice, []string{device.ID})
	if err != nil {
		return DeviceDetails{}, err
	}
	history, err := s.ledger.listFor(db, device.ID)
	if err != nil {
		s.logError(opGetDevice, reasonQueryFailed, err, deviceFields(device)...)
		return DeviceDetails{}, newServiceError(opGetDevice, reasonQueryFailed, err)
	}
	return DeviceDetails{
		Device:  device,
		Files:   latestFiles(files),
		History: history,
	}, nil
}

// ListDevices returns one page of the organization's devices, most recently updated first.
func (s *Service) ListDevices(ctx context.Context, scope Scope, filter ListFilter) (DevicePage, error) {
	if s.db == nil {
		s.logError(opListDevices, reasonMissingDatabase, errMissingDatabase)
		return DevicePage{}, newServiceError(opListDevices, reasonMissingDatabase, errMissingDatabase)
	}
	if strings.TrimSpace(scope.OrganizationID) == "" {
		return DevicePage{}, newValidationError("organizationId", "organization id is required")
	}

	limit := filter.Limit
	if limit == 0 {
		limit = min(defaultPageSize, s.maxPageSize)
	}
	if limit < 1 || limit > s.maxPageSize {
		return DevicePage{}, newValidationError("limit", "limit must be between 1 and %d", s.maxPageSize)
	}
	if filter.Offset < 0 {
		return DevicePage{}, newValidationError("offset", "offset must not be negative")
	}

	db := s.db.WithContext(ctx)
	query := db.Model(&Device{}).Where("organization_id = ?", scope.OrganizationID)
	if filter.Status != "" {
		status, err := ParseStatus(filter.Status)
		if err != nil {
			return DevicePage{}, err
		}
		query = query.Where("status = ?", status)
	}
	if createdBy := strings.TrimSpace(filter.CreatedBy); createdBy != "" {
		query = query.Where("created_by = ?", createdBy)
	}
	if search := strings.ToLower(strings.TrimSpace(filter.Search)); search != "" {
		pattern := "%" + search + "%"
		query = query.Where("(LOWER(name) LIKE ? OR LOWER(description) LIKE ?)", pattern, pattern)
	}

	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		s.logError(opListDevices, reasonQueryFailed, err, zap.String(fieldOrganizationID, scope.OrganizationID))
		return DevicePage{}, newServiceError(opListDevices, reasonQueryFailed, err)
	}

	var devices []Device
	if err := query.Session(&gorm.Session{}).
		Order("updated_at DESC").
		Order("id ASC").
		Limit(limit).
		Offset(filter.Offset).
		Find(&devices).Error; err != nil {
		s.logError(opListDevices, reasonQueryFailed, err, zap.String(fieldOrganizationID, scope.OrganizationID))
		return DevicePage{}, newServiceError(opListDevices, reasonQueryFailed, err)
	}

	summaries, err := s.summarize(db, devices)
	if err != nil {
		return DevicePage{}, err
	}
	return DevicePage{
		Devices: summaries,
		Total:   total,
		Limit:   limit,
		Offset:  filter.Offset,
	}, nil
}

// UpdateDevice applies field edits. Status changes go through ChangeStatus only.
func (s *Service) UpdateDevice(ctx context.Context, scope Scope, deviceID string, patch DevicePatch) (Device, error) {
	if s.db == nil {
		s.logError(opUpdateDevice, reasonMissingDatabase, errMissingDatabase)
		return Device{}, newServiceError(opUpdateDevice, reasonMissingDatabase, errMissingDatabase)
	}

	var updated Device
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		device, err := s.findDevice(tx, opUpdateDevice, scope, deviceID, true)
		if err != nil {
			return err
		}
		candidate, err := ApplyPatch(device, patch, s.editPolicy, s.clock())
		if err != nil {
			return err
		}
		if candidate.Name != device.Name {
			if err := s.ensureUniqueName(tx, opUpdateDevice, candidate); err != nil {
				return err
			}
		}
		if err := s.saveDevice(tx, opUpdateDevice, device.Revision, candidate); err != nil {
			return err
		}
		updated = candidate
		return nil
	})
	if txErr != nil {
		return Device{}, txErr
	}
	return updated, nil
}

// ChangeStatus applies a status change and appends its history entry atomically.
// Rejections leave the device and its history untouched.
func (s *Service) ChangeStatus(ctx context.Context, scope Scope, deviceID string, request StatusChangeRequest) (Transition, error) {
	if s.db == nil {
		s.logError(opChangeStatus, reasonMissingDatabase, errMissingDatabase)
		return Transition{}, newServiceError(opChangeStatus, reasonMissingDatabase, errMissingDatabase)
	}
	if _, err := ParseStatus(request.Status); err != nil {
		return Transition{}, err
	}
	if err := scope.validate(); err != nil {
		return Transition{}, err
	}
	request.Actor = scope.UserID

	var accepted Transition
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		device, err := s.findDevice(tx, opChangeStatus, scope, deviceID, true)
		if err != nil {
			return err
		}
		uploaded, err := s.uploadedTypes(tx, opChangeStatus, device.ID)
		if err != nil {
			return err
		}
		transition, err := RequestStatusChange(device, request, uploaded, s.clock())
		if err != nil {
			s.logger.Debug("status change rejected",
				zap.String(fieldDeviceID, device.ID),
				zap.String("from", string(device.Status)),
				zap.String("to", request.Status),
				zap.Error(err))
			return err
		}
		if err := s.saveDevice(tx, opChangeStatus, device.Revision, transition.Device); err != nil {
			return err
		}
		if err := s.ledger.Append(tx, &transition.Entry); err != nil {
			s.logError(opChangeStatus, reasonHistoryAppendFailed, err, deviceFields(device)...)
			return newServiceError(opChangeStatus, reasonHistoryAppendFailed, err)
		}
		accepted = transition
		return nil
	})
	if txErr != nil {
		return Transition{}, txErr
	}

	s.logger.Info("device status changed",
		zap.String(fieldDeviceID, accepted.Device.ID),
		zap.String(fieldOrganizationID, accepted.Device.OrganizationID),
		zap.String("from", string(*accepted.Entry.PreviousStatus)),
		zap.String("to", string(accepted.Entry.NewStatus)))
	s.publish(accepted.Device.OrganizationID, accepted.Device.ID, EventStatusChange, accepted.Entry, accepted.Entry.ChangedAt)
	return accepted, nil
}

// ListHistory returns the device's status history, oldest first.
func (s *Service) ListHistory(ctx context.Context, scope Scope, deviceID string) ([]StatusHistory, error) {
	if s.db == nil {
		s.logError(opListHistory, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListHistory, reasonMissingDatabase, errMissingDatabase)
	}
	db := s.db.WithContext(ctx)
	device, err := s.findDevice(db, opListHistory, scope, deviceID, false)
	if err != nil {
		return nil, err
	}
	entries, err := s.ledger.listFor(db, device.ID)
	if err != nil {
		s.logError(opListHistory, reasonQueryFailed, err, deviceFields(device)...)
		return nil, newServiceError(opListHistory, reasonQueryFailed, err)
	}
	return entries, nil
}

// DescribeTransitions reports, for every other status, whether the device could
// move there now and which files block it.
func (s *Service) DescribeTransitions(ctx context.Context, scope Scope, deviceID string) ([]TransitionOption, error) {
	if s.db == nil {
		s.logError(opDescribeTransitions, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opDescribeTransitions, reasonMissingDatabase, errMissingDatabase)
	}
	db := s.db.WithContext(ctx)
	device, err := s.findDevice(db, opDescribeTransitions, scope, deviceID, false)
	if err != nil {
		return nil, err
	}
	uploaded, err := s.uploadedTypes(db, opDescribeTransitions, device.ID)
	if err != nil {
		return nil, err
	}

	options := make([]TransitionOption, 0, len(AllStatuses)-1)
	for _, target := range AllStatuses {
		if target == device.Status {
			continue
		}
		structural := IsAllowed(device.Status, target)
		readiness := CheckReadiness(target, uploaded)
		options = append(options, TransitionOption{
			From:       device.Status,
			To:         target,
			Allowed:    structural && readiness.Satisfied,
			Structural: structural,
			Required:   readiness.Required,
			Missing:    readiness.Missing,
		})
	}
	return options, nil
}

func (s *Service) findDevice(db *gorm.DB, operation string, scope Scope, deviceID string, lock bool) (Device, error) {
	if strings.TrimSpace(scope.OrganizationID) == "" {
		return Device{}, newValidationError("organizationId", "organization id is required")
	}
	query := db
	if lock {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var device Device
	err := query.Where(queryDeviceInOrg, deviceID, scope.OrganizationID).Take(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Device{}, newNotFoundError(deviceID)
	}
	if err != nil {
		s.logError(operation, reasonDeviceLookupFailed, err,
			zap.String(fieldDeviceID, deviceID),
			zap.String(fieldOrganizationID, scope.OrganizationID))
		return Device{}, newServiceError(operation, reasonDeviceLookupFailed, err)
	}
	return device, nil
}

func (s *Service) ensureUniqueName(tx *gorm.DB, operation string, device Device) error {
	var count int64
	err := tx.Model(&Device{}).
		Where(queryNameInOrg, device.OrganizationID, device.Name).
		Where("id <> ?", device.ID).
		Count(&count).Error
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, deviceFields(device)...)
		return newServiceError(operation, reasonQueryFailed, err)
	}
	if count > 0 {
		return newConflictError("device named %q already exists", device.Name)
	}
	return nil
}

// saveDevice writes the mutable columns, guarded by the revision the caller read.
func (s *Service) saveDevice(tx *gorm.DB, operation string, expectedRevision int64, device Device) error {
	result := tx.Model(&Device{}).
		Where(queryDeviceRevision, device.ID, expectedRevision).
		Updates(map[string]any{
			"name":               device.Name,
			"description":        device.Description,
			"version":            device.Version,
			"status":             device.Status,
			"board_width_mm":     device.BoardWidthMM,
			"board_height_mm":    device.BoardHeightMM,
			"board_thickness_mm": device.BoardThicknessMM,
			"layer_count":        device.LayerCount,
			"component_count":    device.ComponentCount,
			"revision":           device.Revision,
			"updated_at":         device.UpdatedAt,
		})
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return newConflictError("device named %q already exists", device.Name)
		}
		s.logError(operation, reasonDeviceUpdateFailed, result.Error, deviceFields(device)...)
		return newServiceError(operation, reasonDeviceUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return newConflictError("device %s was modified concurrently", device.ID)
	}
	return nil
}

func (s *Service) uploadedTypes(db *gorm.DB, operation, deviceID string) (FileTypeSet, error) {
	var raw []string
	if err := db.Model(&DeviceFile{}).
		Where(queryDeviceID, deviceID).
		Distinct("file_type").
		Pluck("file_type", &raw).Error; err != nil {
		s.logError(operation, reasonFileLookupFailed, err, zap.String(fieldDeviceID, deviceID))
		return nil, newServiceError(operation, reasonFileLookupFailed, err)
	}
	set := make(FileTypeSet, len(raw))
	for _, value := range raw {
		set[FileType(value)] = struct{}{}
	}
	return set, nil
}

func (s *Service) summarize(db *gorm.DB, devices []Device) ([]DeviceSummary, error) {
	summaries := make([]DeviceSummary, 0, len(devices))
	if len(devices) == 0 {
		return summaries, nil
	}
	ids := make([]string, 0, len(devices))
	for _, device := range devices {
		ids = append(ids, device.ID)
	}

	files, err := s.loadFiles(db, opListDevices, ids)
	if err != nil {
		return nil, err
	}
	filesByDevice := make(map[string][]DeviceFile, len(devices))
	for _, file := range latestFiles(files) {
		filesByDevice[file.DeviceID] = append(filesByDevice[file.DeviceID], file)
	}

	var packageCounts []struct {
		DeviceID string
		Count    int
	}
	if err := db.Model(&ManufacturingPackage{}).
		Select("device_id, COUNT(*) AS count").
		Where("device_id IN ?", ids).
		Group("device_id").
		Scan(&packageCounts).Error; err != nil {
		s.logError(opListDevices, reasonQueryFailed, err)
		return nil, newServiceError(opListDevices, reasonQueryFailed, err)
	}
	packagesByDevice := make(map[string]int, len(packageCounts))
	for _, row := range packageCounts {
		packagesByDevice[row.DeviceID] = row.Count
	}

	for _, device := range devices {
		summary := DeviceSummary{
			Device:                    device,
			ManufacturingPackageCount: packagesByDevice[device.ID],
		}
		for _, file := range filesByDevice[device.ID] {
			summary.FileCount++
			summary.TotalFileSize += file.FileSize
			if summary.LastUploadedAt == nil || file.UploadedAt.After(*summary.LastUploadedAt) {
				summary.LastUploadedAt = pointerTo(file.UploadedAt)
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("devices service error", attrs...)
}

func deviceFields(device Device) []zap.Field {
	return []zap.Field{
		zap.String(fieldDeviceID, device.ID),
		zap.String(fieldOrganizationID, device.OrganizationID),
	}
}
