package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/boardready/internal/devices"
	"github.com/MarcoPoloResearchLab/boardready/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// multipart framing and form fields on top of the artifact itself
	uploadEnvelopeBytes   = 1 << 20
	maxUploadRequestBytes = devices.MaxFileSize + uploadEnvelopeBytes
	multipartMemoryBytes  = 32 << 20

	uploadLimiterPrefix = "uploads:"
)

func (h *httpHandler) handleCreateDevice(c *gin.Context) {
	principal, ok := h.requirePrincipal(c)
	if !ok {
		return
	}
	var request createDeviceRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeBadRequest(c, "request body must be a JSON object")
		return
	}
	device, err := h.devices.CreateDevice(c.Request.Context(), scopeFor(principal), request.toInput())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toDevicePayload(device))
}

func (h *httpHandler) handleListDevices(c *gin.Context) {
	principal, ok := h.requirePrincipal(c)
	if !ok {
		return
	}
	// Zero lets the service pick its default page size.
	limit, err := queryInt(c, "limit", 0)
	if _, provided := c.GetQuery("limit"); err != nil || (provided && limit < 1) {
		writeBadRequest(c, "limit must be a positive integer")
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		writeBadRequest(c, "offset must be a non-negative integer")
		return
	}
	page, err := h.devices.ListDevices(c.Request.Context(), scopeFor(principal), devices.ListFilter{
		Status:    c.Query("status"),
		CreatedBy: c.Query("createdBy"),
		Search:    c.Query("search"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := deviceListPayload{
		Data:   make([]deviceWithStatsPayload, 0, len(page.Devices)),
		Total:  page.Total,
		Limit:  page.Limit,
		Offset: page.Offset,
	}
	for _, summary := range page.Devices {
		response.Data = append(response.Data, deviceWithStatsPayload{
			devicePayload:             toDevicePayload(summary.Device),
			FileCount:                 summary.FileCount,
			TotalFileSize:             summary.TotalFileSize,
			LastUploadedAt:            summary.LastUploadedAt,
			ManufacturingPackageCount: summary.ManufacturingPackageCount,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetDevice(c *gin.Context) {
	principal, deviceID, ok := h.requireDevice(c)
	if !ok {
		return
	}
	details, err := h.devices.GetDevice(c.Request.Context(), scopeFor(principal), deviceID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, deviceWithFilesPayload{
		devicePayload: toDevicePayload(details.Device),
		Files:         toFilePayloads(details.Files),
		StatusHistory: toHistoryPayloads(details.History),
	})
}

func (h *httpHandler) handleUpdateDevice(c *gin.Context) {
	principal, deviceID, ok := h.requireDevice(c)
	if !ok {
		return
	}
	var request updateDeviceRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeBadRequest(c, "request body must be a JSON object")
		return
	}
	if request.Status != nil {
		writeBadRequest(c, "status cannot be changed here; use the status endpoint")
		return
	}
	device, err := h.devices.UpdateDevice(c.Request.Context(), scopeFor(principal), deviceID, request.toPatch())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDevicePayload(device))
}

func (h *httpHandler) handleChangeStatus(c *gin.Context) {
	principal, deviceID, ok := h.requireDevice(c)
	if !ok {
		return
	}
	var request statusChangeRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeBadRequest(c, "status is required")
		return
	}
	if strings.TrimSpace(request.Status) == "" {
		writeBadRequest(c, "status is required")
		return
	}
	transition, err := h.devices.ChangeStatus(c.Request.Context(), scopeFor(principal), deviceID, devices.StatusChangeRequest{
		Status:   request.Status,
		Notes:    request.Notes,
		Metadata: request.Metadata,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDevicePayload(transition.Device))
}

func (h *httpHandler) handleListHistory(c *gin.Context) {
	principal, deviceID, ok := h.requireDevice(c)
	if !ok {
		return
	}
	history, err := h.devices.ListHistory(c.Request.Context(), scopeFor(principal), deviceID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": toHistoryPayloads(history)})
}

func (h *httpHandler) handleListTransitions(c *gin.Context) {
	principal, deviceID, ok := h.requireDevice(c)
	if !ok {
		return
	}
	options, err := h.devices.DescribeTransitions(c.Request.Context(), scopeFor(principal), deviceID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": toTransitionPayloads(options)})
}

func (h *httpHandler) handleUploadFile(c *gin.Context) {
	principal, deviceID, ok := h.requireDevice(c)
	if !ok {
		return
	}
	if !h.allowUpload(c, principal.UserID) {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadRequestBytes)
	if err := c.Request.ParseMultipartForm(multipartMemoryBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, errorPayload{
				Error: "file exceeds the maximum upload size",
				Code:  string(devices.KindTooLarge),
			})
			return
		}
		writeBadRequest(c, "request must be multipart/form-data")
		return
	}
	defer func() {
		if c.Request.MultipartForm != nil {
			_ = c.Request.MultipartForm.RemoveAll()
		}
	}()

	header, err := c.FormFile("file")
	if err != nil {
		writeBadRequest(c, "file is required")
		return
	}
	var metadata map[string]any
	if raw := strings.TrimSpace(c.PostForm("metadata")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			writeBadRequest(c, "metadata must be a JSON object")
			return
		}
	}
	body, err := header.Open()
	if err != nil {
		h.logger.Error("failed to open uploaded file", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorPayload{Error: "internal server error", Code: errorCodeInternal})
		return
	}
	defer body.Close()

	file, err := h.devices.UploadFile(c.Request.Context(), scopeFor(principal), deviceID, devices.FileUpload{
		FileName:    header.Filename,
		FileType:    c.PostForm("fileType"),
		Size:        header.Size,
		ContentType: header.Header.Get("Content-Type"),
		Description: c.PostForm("description"),
		Metadata:    metadata,
		Body:        body,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toFilePayload(file))
}

func (h *httpHandler) handleListFiles(c *gin.Context) {
	principal, deviceID, ok := h.requireDevice(c)
	if !ok {
		return
	}
	files, err := h.devices.ListFiles(c.Request.Context(), scopeFor(principal), deviceID, devices.FileFilter{
		Type:       c.Query("type"),
		UploadedBy: c.Query("uploadedBy"),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": toFilePayloads(files)})
}

func (h *httpHandler) handleDownloadFile(c *gin.Context) {
	principal, deviceID, ok := h.requireDevice(c)
	if !ok {
		return
	}
	link, err := h.devices.FileDownloadLink(c.Request.Context(), scopeFor(principal), deviceID, c.Param("fileId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, downloadPayload{
		File:      toFilePayload(link.File),
		URL:       link.URL,
		ExpiresAt: link.ExpiresAt,
	})
}

func (h *httpHandler) handleGeneratePackage(c *gin.Context) {
	principal, deviceID, ok := h.requireDevice(c)
	if !ok {
		return
	}
	var request packageRequest
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(c, "request body must be a JSON object")
		return
	}
	pkg, err := h.devices.GeneratePackage(c.Request.Context(), scopeFor(principal), deviceID, devices.PackageRequest{
		Name:         request.PackageName,
		IncludeTypes: request.IncludeTypes,
		ExpiryHours:  request.ExpiryHours,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toPackagePayload(pkg))
}

func (h *httpHandler) handleListPackages(c *gin.Context) {
	principal, deviceID, ok := h.requireDevice(c)
	if !ok {
		return
	}
	packages, err := h.devices.ListPackages(c.Request.Context(), scopeFor(principal), deviceID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := make([]packagePayload, 0, len(packages))
	for _, pkg := range packages {
		response = append(response, toPackagePayload(pkg))
	}
	c.JSON(http.StatusOK, gin.H{"packages": response})
}

func (h *httpHandler) requirePrincipal(c *gin.Context) (principal users.Principal, ok bool) {
	principal, ok = principalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorPayload{Error: "unauthorized", Code: errorCodeUnauthorized})
	}
	return principal, ok
}

func (h *httpHandler) requireDevice(c *gin.Context) (users.Principal, string, bool) {
	principal, ok := h.requirePrincipal(c)
	if !ok {
		return users.Principal{}, "", false
	}
	deviceID := c.Param("id")
	if !devices.ValidDeviceID(deviceID) {
		writeBadRequest(c, "device id must be a UUID")
		return users.Principal{}, "", false
	}
	return principal, deviceID, true
}

// allowUpload consults the limiter; limiter failures reject the upload.
func (h *httpHandler) allowUpload(c *gin.Context, userID string) bool {
	if h.limiter == nil {
		return true
	}
	allowed, err := h.limiter.Allow(c.Request.Context(), uploadLimiterPrefix+userID)
	if err != nil {
		h.logger.Warn("upload limiter unavailable", zap.String("user_id", userID), zap.Error(err))
	}
	if err != nil || !allowed {
		c.JSON(http.StatusTooManyRequests, errorPayload{Error: "upload rate limit exceeded", Code: errorCodeRateLimited})
		return false
	}
	return true
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
