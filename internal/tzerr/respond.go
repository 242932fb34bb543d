package tzerr

import (
	"context"
	"encoding/json"
	"net/http"
)

// loggerFunc is the minimal logging surface LogAndRespond needs; satisfied
// by telemetry.Logger.Error without this package importing internal/
// telemetry (tzerr sits below telemetry in the dependency graph).
type loggerFunc func(ctx context.Context, msg string, keyvals ...any)

// errorBody is the wire shape of every error response: {"error": "<message>"}.
type errorBody struct {
	Error string `json:"error"`
}

// LogAndRespond is the single point where a gateway error becomes both a log
// line and an HTTP response: logging is a side-effect of converting an error
// into a response, so it occurs exactly once per error. Non-*Error values
// are treated as internal failures and mapped to 500.
func LogAndRespond(ctx context.Context, w http.ResponseWriter, logger loggerFunc, err error) {
	tzErr, ok := As(err)
	status := http.StatusInternalServerError
	message := err.Error()
	if ok {
		status = tzErr.HTTPStatus()
		message = tzErr.Error()
	}

	if logger != nil {
		severity := SeverityError
		if ok {
			severity = tzErr.Severity()
		}
		logger(ctx, "request failed", "severity", severity, "status", status, "error", message)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: message})
}
