package gateway

import (
	"encoding/json"
	"io"
	"net/http"
)

// readBody drains the request body up to the configured cap. Oversized
// payloads are rejected rather than truncated.
func (s *Server) readBody(r *http.Request) ([]byte, error) {
	limited := io.LimitReader(r.Body, s.settings.MaxBodyBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, errValidation("read request body: %v", err)
	}
	if int64(len(data)) > s.settings.MaxBodyBytes {
		return nil, errValidation("request body exceeds %d bytes", s.settings.MaxBodyBytes)
	}
	return data, nil
}

// decodeBody reads and unmarshals the JSON request payload.
func (s *Server) decodeBody(r *http.Request, dst interface{}) error {
	data, err := s.readBody(r)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errValidation("request body required")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return errValidation("invalid JSON payload")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError emits the uniform failure envelope.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "error": message})
}

// fail translates err into its HTTP form, records the outcome against the
// operation, and writes the failure envelope. Causes stay in the logs.
func (s *Server) fail(w http.ResponseWriter, operation string, err error) {
	api := mapError(err)
	if api.status >= http.StatusInternalServerError {
		s.log.Error("gateway."+operation+".fail", "kind", api.kind, "err", err)
	} else {
		s.log.Warn("gateway."+operation+".reject", "kind", api.kind, "err", err)
	}
	s.metrics.ObserveOperation(operation, api.kind, "none")
	writeError(w, api.status, api.message)
}
