package app

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"momentum/api/internal/auth"
	"momentum/api/internal/okr"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// mapError turns service errors into the HTTP error contract. RollupFailed
// is checked first because a RollupError unwraps to its cause.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, okr.ErrRollupFailed) {
		details := map[string]any{"confirmed": false}
		var rollupErr *okr.RollupError
		if errors.As(err, &rollupErr) {
			details["level"] = rollupErr.Level
			details["nodeId"] = rollupErr.NodeID
		}
		return http.StatusServiceUnavailable, "ROLLUP_FAILED", "Progress could not be recomputed; the change was not saved", details
	}
	if errors.Is(err, okr.ErrInvalidInput) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", validationMessage(err), nil
	}
	if errors.Is(err, okr.ErrDuplicateMission) {
		return http.StatusConflict, "DUPLICATE_MISSION", "A mission already exists for this quarter", nil
	}
	if errors.Is(err, okr.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// validationMessage strips the sentinel prefix so clients see only the rule
// that failed.
func validationMessage(err error) string {
	message := err.Error()
	if idx := strings.LastIndex(message, okr.ErrInvalidInput.Error()+": "); idx >= 0 {
		return message[idx+len(okr.ErrInvalidInput.Error())+2:]
	}
	return message
}

func isNotFound(err error) bool {
	return errors.Is(err, okr.ErrNotFound) && !errors.Is(err, okr.ErrRollupFailed)
}
