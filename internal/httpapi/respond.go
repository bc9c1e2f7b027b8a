package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/governedrun/runtime/internal/errs"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Default().Debug("write response body", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	var e *errs.E
	resp := map[string]any{"error": err.Error()}
	if errors.As(err, &e) {
		resp["error"] = e.Message
		resp["kind"] = string(e.Kind)
		if e.Code != "" {
			resp["code"] = e.Code
		}
		if e.Details != nil {
			resp["details"] = e.Details
		}
	}
	writeJSON(w, status, resp)
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return errs.Wrap(errs.Validation, "invalid request body", err)
	}
	return nil
}
