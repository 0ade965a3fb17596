package handler

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/veilbook/internal/domain"
	"github.com/alanyoungcy/veilbook/internal/service"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

type errorResponse struct {
	Error  string   `json:"error"`
	Step   string   `json:"step,omitempty"`
	Benign bool     `json:"benign,omitempty"`
	Logs   []string `json:"logs,omitempty"`
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusFor maps a service error onto an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidIntent), errors.Is(err, domain.ErrInvalidPosition):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnknownMarket):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientFunds), errors.Is(err, domain.ErrAutoWrapDisabled):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrSubmissionInFlight), errors.Is(err, domain.ErrDuplicateRequest),
		errors.Is(err, domain.ErrLockHeld), errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUserRejected):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrSimulationFailed), errors.Is(err, domain.ErrNotConfirmed),
		errors.Is(err, domain.ErrProofFailed), errors.Is(err, domain.ErrEncryptionFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError reports err to the client. Step errors carry a message
// that is safe to show; anything else is logged and answered generically
// unless it maps to a known sentinel.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status := statusFor(err)

	var stepErr *service.StepError
	if errors.As(err, &stepErr) {
		if stepErr.Benign {
			status = http.StatusConflict
		}
		if status >= http.StatusInternalServerError {
			logger.ErrorContext(r.Context(), "handler: "+op+" failed",
				slog.String("step", stepErr.Step),
				slog.String("error", err.Error()),
			)
		}
		writeJSON(w, status, errorResponse{
			Error:  stepErr.Message,
			Step:   stepErr.Step,
			Benign: stepErr.Benign,
			Logs:   stepErr.Logs,
		})
		return
	}

	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("error", err.Error()),
		)
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, sentinelMessage(err))
}

// sentinelMessage strips the wrapping prefixes and keeps the innermost text.
func sentinelMessage(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, ": "); i >= 0 {
		return msg[i+2:]
	}
	return msg
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// ownerParam returns the owner a request is about: the "owner" query value
// when present, the configured wallet otherwise.
func ownerParam(r *http.Request, fallback string) string {
	if o := strings.TrimSpace(r.URL.Query().Get("owner")); o != "" {
		return o
	}
	return fallback
}

// fieldView is the JSON form of an encrypted field. Hint is only set for
// hybrid fields.
type fieldView struct {
	Version string  `json:"version"`
	Data    string  `json:"data"`
	Hint    *uint64 `json:"hint,omitempty"`
}

func newFieldView(f domain.EncryptedField) *fieldView {
	if f.IsZero() {
		return nil
	}
	v := &fieldView{Version: f.Version.String(), Data: hex.EncodeToString(f.Bytes)}
	if hint, ok := f.PlaintextHint(); ok {
		v.Hint = &hint
	}
	return v
}
