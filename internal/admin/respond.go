package admin

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5/middleware"

	"cronward/internal/jobrunner"
	"cronward/internal/ledger"
	"cronward/internal/schedule"
	"cronward/internal/task/scheduler"
	logx "cronward/pkg/logx"
)

type errorBody struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.IsAny(err, ledger.ErrNotFound, schedule.ErrNotFound, jobrunner.ErrUnknownTask):
		return http.StatusNotFound
	case errors.IsAny(err, errBadRequest, schedule.ErrInvalidCron, ledger.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.IsAny(err, ledger.ErrNotRunning, ledger.ErrTokenMismatch):
		return http.StatusConflict
	case errors.IsAny(err, ledger.ErrUnavailable, scheduler.ErrNotRunning, jobrunner.ErrStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	body := errorBody{Error: err.Error(), Hint: errors.FlattenHints(err)}
	if code >= 500 {
		a.log.Error("admin request failed", logx.String("path", r.URL.Path), logx.Int("status", code), logx.Err(err))
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// auth accepts "Authorization: Bearer <token>" or ?token=<token>.
func (a *API) auth(next http.Handler) http.Handler {
	if a.token == "" {
		return next
	}
	want := []byte(a.token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) {
				got = strings.TrimSpace(strings.TrimPrefix(ah, p))
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("admin request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
		)
	})
}
