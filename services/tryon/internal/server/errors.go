package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tryonhub/internal/util"
	"tryonhub/services/tryon/internal/app"
)

type errorResponse struct {
	Error             string     `json:"error"`
	Code              string     `json:"code"`
	RequestID         string     `json:"requestId,omitempty"`
	ResetAt           *time.Time `json:"resetAt,omitempty"`
	RetryAfterSeconds int        `json:"retryAfterSeconds,omitempty"`
}

// appErrors maps application error codes to a status and the message shown to clients.
var appErrors = map[string]struct {
	status int
	err    error
}{
	app.CodeInvalidRequest:      {http.StatusBadRequest, app.ErrInvalidRequest},
	app.CodePhotoRequired:       {http.StatusPreconditionFailed, app.ErrMissingUserPhoto},
	app.CodePhotoChanged:        {http.StatusConflict, app.ErrPhotoChanged},
	app.CodeProductImageMissing: {http.StatusUnprocessableEntity, app.ErrMissingProductImage},
	app.CodeProviderUnavailable: {http.StatusServiceUnavailable, app.ErrProviderUnavailable},
	app.CodeProviderNoImage:     {http.StatusBadGateway, app.ErrProviderReturnedNoImage},
	app.CodeProviderRejected:    {http.StatusBadGateway, app.ErrProviderRejected},
	app.CodeInvalidImage:        {http.StatusBadRequest, app.ErrInvalidImage},
	app.CodeImageTooLarge:       {http.StatusRequestEntityTooLarge, app.ErrImageTooLarge},
	app.CodeResultNotFound:      {http.StatusNotFound, app.ErrResultNotFound},
	app.CodeGalleryNotFound:     {http.StatusNotFound, errors.New("gallery entry not found")},
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var limited *app.RateLimitedError
	if errors.As(err, &limited) {
		retryAfter := limited.RetryAfter(s.app.Now())
		resetAt := limited.ResetAt.UTC()
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:             limited.Error(),
			Code:              app.CodeRateLimited,
			RequestID:         requestID(w),
			ResetAt:           &resetAt,
			RetryAfterSeconds: retryAfter,
		})
		return
	}
	code := app.Code(err)
	mapped, ok := appErrors[code]
	if !ok {
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, app.CodeInternal, "internal error")
		return
	}
	if mapped.status >= http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Warn("provider failure", "path", r.URL.Path, "err", err)
	}
	msg := mapped.err.Error()
	if code == app.CodeInvalidRequest {
		msg = err.Error()
	}
	writeError(w, mapped.status, code, msg)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "SYSTEM_METHOD_NOT_ALLOWED", "method not allowed")
}

func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "SYSTEM_NOT_FOUND", "not found")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: requestID(w),
	})
}

func requestID(w http.ResponseWriter) string {
	return strings.TrimSpace(w.Header().Get("X-Request-Id"))
}
