package mfa

import (
	"encoding/json"
	"net/http"
)

// Stable numeric error codes carried in response bodies. Clients branch on
// these, never on the message text.
const (
	codeInvalidInput  = 4001
	codeNotConfigured = 4002
	codeNoBackupCodes = 4003
	codeUnauthorized  = 4010
	codeInvalidCode   = 4011
	codeForbidden     = 4030
	codeUnavailable   = 5030
	codeInternal      = 5000
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status, code int, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}
