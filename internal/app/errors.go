package app

import (
	"fmt"
	"net/http"

	"github.com/pedro-meseguer/xai-business/internal/reportdoc"
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

func notFound(what string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", what+" not found", nil)
}

func conflict(code, message string) *DomainError {
	return domainError(http.StatusConflict, code, message, nil)
}

func versionConflict(current int) *DomainError {
	return domainError(http.StatusConflict, "VERSION_CONFLICT", "Version conflict", map[string]any{
		"current_version": current,
	})
}

func invalidInput(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func validationFailed(fieldErrors []reportdoc.FieldError) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Report document is invalid", map[string]any{
		"errors": fieldErrors,
	})
}

// integrityFailure reports stored data that no longer passes the document
// schema. It is a server fault, never a client one.
func integrityFailure(fieldErrors []reportdoc.FieldError) *DomainError {
	return domainError(http.StatusInternalServerError, "INTEGRITY_ERROR", "Stored report document is invalid", map[string]any{
		"errors": fieldErrors,
	})
}

func buildFailure(fieldErrors []reportdoc.FieldError) *DomainError {
	return domainError(http.StatusInternalServerError, "REPORT_BUILD_FAILED", "Source facts do not produce a valid report document", map[string]any{
		"errors": fieldErrors,
	})
}
