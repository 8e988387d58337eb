package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/boardready/internal/devices"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	errorCodeInvalidRequest = "invalid_request"
	errorCodeUnauthorized   = "unauthorized"
	errorCodeRateLimited    = "rate_limited"
	errorCodeInternal       = "internal_error"
)

type errorPayload struct {
	Error        string             `json:"error"`
	Code         string             `json:"code"`
	Field        string             `json:"field,omitempty"`
	MissingFiles []devices.FileType `json:"missingFiles,omitempty"`
}

func statusForKind(kind devices.ErrorKind) int {
	switch kind {
	case devices.KindValidation:
		return http.StatusBadRequest
	case devices.KindNotFound:
		return http.StatusNotFound
	case devices.KindIllegalTransition, devices.KindPreconditionNotMet, devices.KindNotEligible:
		return http.StatusUnprocessableEntity
	case devices.KindConflict:
		return http.StatusConflict
	case devices.KindLocked:
		return http.StatusForbidden
	case devices.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	var lifecycleErr *devices.LifecycleError
	if errors.As(err, &lifecycleErr) {
		c.JSON(statusForKind(lifecycleErr.Kind), errorPayload{
			Error:        lifecycleErr.Error(),
			Code:         string(lifecycleErr.Kind),
			Field:        lifecycleErr.Field,
			MissingFiles: lifecycleErr.Missing,
		})
		return
	}

	code := errorCodeInternal
	var serviceErr *devices.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	h.logger.Error("request failed",
		zap.String("path", c.FullPath()),
		zap.String("code", code),
		zap.Error(err),
	)
	c.JSON(http.StatusInternalServerError, errorPayload{Error: "internal server error", Code: code})
}

func writeBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, errorPayload{Error: message, Code: errorCodeInvalidRequest})
}
