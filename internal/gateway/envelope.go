package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/atinyakov/GophSession/internal/models"
)

// GenericErrorMessage is shown when the server reply cannot be interpreted.
const GenericErrorMessage = "An error occurred, please try again later"

var (
	// ErrTransport wraps network failures and unreadable responses.
	ErrTransport = errors.New("gateway: transport failure")
	// errNoSuccess reports an object reply without the success field.
	errNoSuccess = errors.New("response has no success field")
)

// Response is a decoded success envelope.
type Response struct {
	Success     bool
	Message     string
	TokensError bool
	Tokens      *models.TokenUpdate
	// Error is the lower-level error code some endpoints add to failures.
	Error string
	// Body is the full JSON object, used by Decode for endpoint fields.
	Body json.RawMessage
}

// Field returns one raw endpoint-specific field.
func (r *Response) Field(name string) (json.RawMessage, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(r.Body, &fields); err != nil {
		return nil, false
	}
	v, ok := fields[name]
	return v, ok
}

// Decode unmarshals the full response body into T.
func Decode[T any](r *Response) (T, error) {
	var v T
	if r == nil || len(r.Body) == 0 {
		return v, errors.New("gateway: empty response")
	}
	if err := json.Unmarshal(r.Body, &v); err != nil {
		return v, fmt.Errorf("gateway: decode response: %w", err)
	}
	return v, nil
}

// APIError is returned for every failed call.
type APIError struct {
	// Message is safe to show to the user.
	Message string
	// Code is the optional lower-level error code.
	Code string
	// RequiresLogout is set when the server rejected the session tokens.
	RequiresLogout bool
	// Response is the decoded failure envelope; nil for transport failures.
	Response *Response
	// Err is the underlying cause for transport failures.
	Err error
}

func (e *APIError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *APIError) Unwrap() error { return e.Err }

// decodeEnvelope parses a reply body. PHP endpoints are loose with types, so
// boolean flags also accept numbers and "true"/"1" strings.
func decodeEnvelope(raw []byte) (*Response, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	successRaw, ok := fields["success"]
	if !ok {
		return nil, errNoSuccess
	}

	r := &Response{
		Success:     flag(successRaw),
		Message:     text(fields["message"]),
		TokensError: flag(fields["tokensError"]),
		Error:       text(fields["error"]),
		Body:        json.RawMessage(raw),
	}

	if t, ok := fields["tokens"]; ok {
		var update models.TokenUpdate
		if err := json.Unmarshal(t, &update); err == nil && (update.AccessToken != "" || update.RefreshToken != nil) {
			r.Tokens = &update
		}
	}
	return r, nil
}

func flag(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n != 0
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		ok, err := strconv.ParseBool(strings.TrimSpace(s))
		return err == nil && ok
	}
	return false
}

func text(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}
