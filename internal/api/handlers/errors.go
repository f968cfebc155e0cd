package handlers

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	apperrors "github.com/acme/masked-call/pkg/errors"
)

// translateError maps domain failures onto HTTP responses. A validation
// error keeps its full message so the client learns which field was wrong;
// validation messages name fields, never values. Every other status carries
// the sentinel alone.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, apperrors.ErrValidation):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, apperrors.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, "resource not found")
	case errors.Is(err, apperrors.ErrUnknownProvider):
		return fiber.NewError(http.StatusNotFound, apperrors.ErrUnknownProvider.Error())
	case errors.Is(err, apperrors.ErrConflict):
		return fiber.NewError(http.StatusConflict, apperrors.ErrConflict.Error())
	case errors.Is(err, apperrors.ErrCanceled):
		return fiber.NewError(http.StatusConflict, apperrors.ErrCanceled.Error())
	case errors.Is(err, apperrors.ErrQuotaExceeded):
		return fiber.NewError(http.StatusTooManyRequests, apperrors.ErrQuotaExceeded.Error())
	case errors.Is(err, apperrors.ErrAllProvidersExhausted):
		return fiber.NewError(http.StatusBadGateway, apperrors.ErrAllProvidersExhausted.Error())
	case errors.Is(err, apperrors.ErrUnavailable):
		return fiber.NewError(http.StatusServiceUnavailable, apperrors.ErrUnavailable.Error())
	default:
		return err
	}
}
