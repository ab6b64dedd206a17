package remote

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"

	apperrors "github.com/petlink/core/internal/errors"
)

// StatusError is a non-2xx response from the API.
type StatusError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote returned %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote returned %d: %s", e.StatusCode, e.Message)
}

// Permanent reports whether the status means the request itself is invalid
// and repeating it cannot succeed.
func (e *StatusError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict,
		http.StatusGone, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// Classify maps a remote call error onto TRANSIENT_NETWORK_ERROR or
// PERMANENT_REQUEST_ERROR. Errors already classified are returned as is.
//
// 401 and 403 are transient: credentials are refreshed outside the engine
// and the request is valid once they are.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if apperrors.IsTransient(err) || apperrors.IsPermanent(err) {
		return err
	}

	var statusErr *StatusError
	if stderrors.As(err, &statusErr) {
		if statusErr.Permanent() {
			return apperrors.Wrap(apperrors.ErrPermanentRequest, "request rejected", err)
		}
		return apperrors.Wrap(apperrors.ErrTransientNetwork, "server unavailable", err)
	}

	var netErr net.Error
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(apperrors.ErrTransientNetwork, "request timed out", err)
	case stderrors.As(err, &netErr), stderrors.Is(err, io.ErrUnexpectedEOF), stderrors.Is(err, io.EOF):
		return apperrors.Wrap(apperrors.ErrTransientNetwork, "network error", err)
	}
	return apperrors.Wrap(apperrors.ErrTransientNetwork, "remote call failed", err)
}
