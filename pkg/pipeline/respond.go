package pipeline

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/declarest/declarest/pkg/config"
	"github.com/declarest/declarest/pkg/errors"
	"github.com/declarest/declarest/pkg/logger"
)

// envelope is the error body shape every failure surfaces with.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// writeError renders the failure envelope. Internal detail is replaced by
// the configured generic message unless the caller presents the debug
// header; client-caused failures keep their message. Nothing is written
// when the response already started or the client went away.
func writeError(w middleware.WrapResponseWriter, r *http.Request, srv config.Server, err error) {
	if stderrors.Is(err, context.Canceled) {
		logger.Debugw("request canceled by client", "path", r.URL.Path)
		return
	}
	if w.BytesWritten() > 0 || w.Status() != 0 {
		logger.Warnw("error after response started", "path", r.URL.Path, "error", err)
		return
	}

	status := http.StatusInternalServerError
	message := err.Error()

	var typed *errors.Error
	if stderrors.As(err, &typed) {
		status = typed.HTTPStatus()
		message = typed.Message
	}

	if status >= http.StatusInternalServerError && !debugRequested(r, srv) {
		message = genericMessage(srv)
		logger.Errorw("request failed", "path", r.URL.Path, "status", status, "error", err)
	} else if status >= http.StatusInternalServerError {
		logger.Errorw("request failed", "path", r.URL.Path, "status", status, "error", err)
	}

	writeJSON(w, status, envelope{Success: false, Message: message})
}

func debugRequested(r *http.Request, srv config.Server) bool {
	if srv.DebugHeaderName == "" || srv.DebugHeaderValue == "" {
		return false
	}
	return r.Header.Get(srv.DebugHeaderName) == srv.DebugHeaderValue
}

func genericMessage(srv config.Server) string {
	if srv.GenericErrorMessage != "" {
		return srv.GenericErrorMessage
	}
	return "An unexpected error occurred"
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Debugw("failed to write response", "error", err)
	}
}

// writeRaw writes a pre-serialized JSON body.
func writeRaw(w http.ResponseWriter, status int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		logger.Debugw("failed to write response", "error", err)
	}
}
