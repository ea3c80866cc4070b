package httpadapter

import (
	"context"
	"errors"
	"net/http"

	"github.com/kirillkom/rag-qa-service/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case domain.IsKind(err, domain.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case domain.IsKind(err, domain.ErrUnsupportedMime):
		return http.StatusUnsupportedMediaType
	case domain.IsKind(err, domain.ErrUnknownProfile):
		return http.StatusUnprocessableEntity
	case domain.IsKind(err, domain.ErrEmptyPayload),
		domain.IsKind(err, domain.ErrUnknownDomain),
		domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrConflict):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
