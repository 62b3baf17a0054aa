package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/leandrotocalini/wagate/internal/delivery"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Success       bool      `json:"success"`
	Error         string    `json:"error"`
	OriginalError string    `json:"originalError,omitempty"`
	Kind          string    `json:"kind,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// JSON sends a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck // client went away
}

// Error sends a JSON error response with the given status code.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, errorBody{Error: message, Timestamp: now()})
}

// deliveryError sends a classified delivery error. The raw underlying
// message is included only for failures that reached the transport.
func deliveryError(w http.ResponseWriter, status int, e *delivery.Error) {
	body := errorBody{
		Error:     e.Message,
		Kind:      e.Kind.String(),
		Timestamp: now(),
	}
	if e.Err != nil {
		body.OriginalError = e.Err.Error()
	}
	JSON(w, status, body)
}

func now() time.Time {
	return time.Now().UTC()
}

// phoneValue accepts a phone number sent either as a JSON string or as a
// bare number.
type phoneValue string

func (p *phoneValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = phoneValue(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*p = phoneValue(n.String())
	return nil
}
