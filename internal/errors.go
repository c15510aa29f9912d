package internal

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError reports a malformed or oversized client request.
type ValidationError struct {
	Reason   string
	TooLarge bool
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// AuthenticationError reports a failed signature or session check.
// The reason is for logs only and is never written to the client.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "authentication: " + e.Reason
}

// ConfigurationError reports missing or invalid deployment settings.
type ConfigurationError struct {
	Setting string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	if e.Setting == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Setting, e.Reason)
}

// ExternalServiceError wraps a failed call to a collaborator API.
// Status is the collaborator's HTTP status, or 0 when no response arrived.
type ExternalServiceError struct {
	Service string
	Status  int
	Err     error
}

func (e *ExternalServiceError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %v", e.Service, e.Err)
	}
	return fmt.Sprintf("%s: status %d: %v", e.Service, e.Status, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps an error from the taxonomy to a response status.
func HTTPStatus(err error) int {
	var validation *ValidationError
	var authn *AuthenticationError
	var config *ConfigurationError
	var external *ExternalServiceError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &validation):
		if validation.TooLarge {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	case errors.As(err, &authn):
		return http.StatusUnauthorized
	case errors.As(err, &config):
		return http.StatusInternalServerError
	case errors.As(err, &external):
		if external.Status >= 400 && external.Status < 500 {
			return external.Status
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
