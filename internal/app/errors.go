package app

import (
	"errors"
	"fmt"

	"taskboard/internal/auth"
	"taskboard/internal/credential"
	"taskboard/internal/protocol"
	"taskboard/internal/session"
	"taskboard/internal/store"
)

type DomainError struct {
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

func domainError(code, message string, details any) *DomainError {
	return &DomainError{Code: code, Message: message, Details: details}
}

func validationError(message string) *DomainError {
	return domainError(protocol.CodeValidation, message, nil)
}

var errUnauthenticated = domainError(protocol.CodeUnauthenticated, "Authentication required", nil)

// MapError converts any error returned by Service into a wire code and a
// message safe to show to the client. known is false for unexpected failures,
// which callers log.
func MapError(err error) (code, message string, known bool) {
	var domainErr *DomainError
	switch {
	case errors.As(err, &domainErr):
		return domainErr.Code, domainErr.Message, true
	case errors.Is(err, store.ErrNotFound):
		return protocol.CodeNotFound, "Not found", true
	case errors.Is(err, store.ErrPermissionDenied):
		return protocol.CodePermissionDenied, "Permission denied", true
	case errors.Is(err, store.ErrTaskDone):
		return protocol.CodeValidation, "Task is already done", true
	case errors.Is(err, store.ErrDuplicateLogin), errors.Is(err, credential.ErrDuplicateIdentity):
		return protocol.CodeDuplicateIdentity, "Login already registered", true
	case errors.Is(err, credential.ErrInvalidInput):
		return protocol.CodeValidation, err.Error(), true
	case errors.Is(err, credential.ErrInvalidCredential),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, session.ErrRestoreNotFound):
		return protocol.CodeInvalidCredential, "Invalid credentials", true
	}
	return protocol.CodeServerError, "Server error", false
}
