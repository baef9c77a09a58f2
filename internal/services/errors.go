package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/tc-chat/internal/models"
)

type statusError struct {
	code int
	body string
}

func (e statusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.code, e.body)
}

// errorForStatus classifies a failed HTTP response of a completion endpoint.
func errorForStatus(code int, body string) error {
	err := statusError{code: code, body: body}
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w", models.ErrAuthentication, err)
	}
	return fmt.Errorf("%w: %w", models.ErrUnknown, err)
}

// classifyError tags err with the models error kind that matches its cause. Errors that already carry a
// kind are returned unchanged.
func classifyError(err error) error {
	switch {
	case errors.Is(err, models.ErrNetwork),
		errors.Is(err, models.ErrAuthentication),
		errors.Is(err, models.ErrUnknown):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", models.ErrNetwork, err)
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", models.ErrNetwork, err)
	}
	return fmt.Errorf("%w: %w", models.ErrUnknown, err)
}
