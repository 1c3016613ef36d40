package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrValidation          = errors.New("validation failed")
	ErrConfiguration       = errors.New("configuration error")
	ErrConflict            = errors.New("conflict")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrRemoteGone          = errors.New("remote resource gone")
	ErrNoQRCode            = errors.New("no qr code pending")
)

// ProviderError describes a failed call to an external messaging provider.
// It always matches ErrProviderUnavailable; it matches ErrRemoteGone only when
// the provider reported that the remote resource no longer exists.
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	Body       string
	Gone       bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: provider unavailable: status=%d body=%s", e.Provider, e.Op, e.StatusCode, e.Body)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: provider unavailable: %v", e.Provider, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: provider unavailable", e.Provider, e.Op)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrProviderUnavailable:
		return true
	case ErrRemoteGone:
		return e.Gone
	}
	return false
}
