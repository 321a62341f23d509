package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/blackcoderx/forge/pkg/builder"
	"github.com/blackcoderx/forge/pkg/registry"
	"github.com/blackcoderx/forge/pkg/service"
	"github.com/blackcoderx/forge/pkg/storage"
	"github.com/blackcoderx/forge/pkg/synth"
	"github.com/blackcoderx/forge/pkg/variables"
)

// statusFor maps a service error to an HTTP status.
func statusFor(err error) int {
	var (
		berr *builder.BuildError
		rerr *variables.ResolutionError
		serr *synth.SynthesisError
	)
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, registry.ErrTemplateNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrConflict), errors.Is(err, storage.ErrVersionConflict):
		return http.StatusConflict
	case errors.As(err, &berr), errors.As(err, &rerr), errors.As(err, &serr),
		errors.Is(err, synth.ErrUnsupportedLanguage):
		return http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrStoreUnavailable), errors.Is(err, registry.ErrRegistryCorrupt):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
