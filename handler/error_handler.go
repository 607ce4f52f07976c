package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/dmitrymomot/memberbridge/pkg/logger"
	"github.com/dmitrymomot/memberbridge/pkg/requestid"
)

// ErrorMapper translates an application error into an HTTPError or ValidationError.
// Returning nil leaves the error unmapped, which renders as 500.
type ErrorMapper func(err error) error

// NewErrorHandler returns an ErrorHandler that logs the failure and renders it as a JSON
// error envelope. Client errors log at warn level, server errors at error level.
func NewErrorHandler(log *slog.Logger, mapper ErrorMapper) ErrorHandler[Context] {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	return func(ctx Context, err error) {
		rendered := err
		if mapper != nil {
			if mapped := mapper(err); mapped != nil {
				rendered = mapped
			}
		}

		resp := JSONError(rendered)
		status := resp.(*jsonResponse).status

		level := slog.LevelError
		if status < http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		r := ctx.Request()
		log.LogAttrs(r.Context(), level, "request error",
			logger.RequestID(requestid.FromContext(r.Context())),
			logger.Error(err),
			slog.Int("status_code", status),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			logger.Component("error_handler"),
		)

		if renderErr := resp.Render(ctx.ResponseWriter(), r); renderErr != nil {
			log.ErrorContext(r.Context(), "failed to render error response", logger.Error(errors.Join(err, renderErr)))
		}
	}
}
