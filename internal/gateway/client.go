// Package gateway sends multipart requests to the backend, attaches the
// session tokens, interprets the success envelope and enforces the
// forced-logout rule when the server rejects the tokens.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atinyakov/GophSession/internal/models"
)

// DefaultMainRoute is where the user lands after a forced logout.
const DefaultMainRoute = "/(tabs)"

const maxResponseBytes = 4 << 20

// Session is the part of session.Manager the gateway depends on.
type Session interface {
	Tokens() (models.TokenPair, bool)
	SetTokens(ctx context.Context, update models.TokenUpdate) error
	IsAuthenticated() bool
	Logout(ctx context.Context) error
}

// Notifier shows transient messages to the user.
type Notifier interface {
	Success(msg string)
	Error(msg string)
}

// Navigator replaces the current route.
type Navigator interface {
	Replace(path string)
}

// Client performs backend calls on behalf of the session.
type Client struct {
	http      *http.Client
	session   Session
	notifier  Notifier
	nav       Navigator
	log       *zap.Logger
	mainRoute string
}

// Option configures a Client.
type Option func(*Client)

// WithNotifier sets the toast sink. The default discards messages.
func WithNotifier(n Notifier) Option {
	return func(c *Client) { c.notifier = n }
}

// WithNavigator sets the router used after a forced logout.
func WithNavigator(n Navigator) Option {
	return func(c *Client) { c.nav = n }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithMainRoute overrides DefaultMainRoute.
func WithMainRoute(path string) Option {
	return func(c *Client) { c.mainRoute = path }
}

// New creates a Client. A nil httpClient uses a client with a 10s timeout.
func New(httpClient *http.Client, sess Session, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	c := &Client{
		http:      httpClient,
		session:   sess,
		notifier:  nopNotifier{},
		log:       zap.NewNop(),
		mainRoute: DefaultMainRoute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type callConfig struct {
	showSuccess bool
	showError   bool
	sendLog     bool
}

// CallOption tunes a single Call.
type CallOption func(*callConfig)

// ShowSuccess toggles the success toast. On by default.
func ShowSuccess(on bool) CallOption {
	return func(c *callConfig) { c.showSuccess = on }
}

// ShowError toggles the error toast. On by default.
func ShowError(on bool) CallOption {
	return func(c *callConfig) { c.showError = on }
}

// WithoutLog suppresses the diagnostic record for failures.
func WithoutLog() CallOption {
	return func(c *callConfig) { c.sendLog = false }
}

// Quiet disables both toasts.
func Quiet() CallOption {
	return func(c *callConfig) {
		c.showSuccess = false
		c.showError = false
	}
}

// Call posts payload to url as multipart/form-data. When the session holds
// tokens they are added under the "tokens" field.
//
// On success the response is returned, the server message is shown and any
// tokens in the reply are merged into the session. Every failure is returned
// as *APIError. A failure flagged with tokensError logs the user out and
// navigates to the main route when a session is active.
func (c *Client) Call(ctx context.Context, url string, payload Payload, opts ...CallOption) (*Response, error) {
	cfg := callConfig{showSuccess: true, showError: true, sendLog: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	fields := make(Payload, len(payload)+1)
	for k, v := range payload {
		fields[k] = v
	}
	if tokens, ok := c.session.Tokens(); ok {
		fields["tokens"] = tokens
	}

	reqID := uuid.NewString()
	log := c.log.With(zap.String("request_id", reqID), zap.String("url", url))

	raw, status, err := c.post(ctx, url, fields)
	if err != nil {
		return nil, c.transportFailure(log, cfg, fields, err)
	}

	resp, err := decodeEnvelope(raw)
	if err != nil {
		if status < 200 || status > 299 {
			err = fmt.Errorf("status %d: %w", status, err)
		}
		return nil, c.transportFailure(log, cfg, fields, fmt.Errorf("%w; body %q", err, truncate(raw)))
	}

	if resp.Success {
		c.onSuccess(ctx, log, cfg, resp)
		return resp, nil
	}
	return nil, c.onFailure(ctx, log, cfg, fields, resp)
}

func (c *Client) post(ctx context.Context, url string, fields Payload) ([]byte, int, error) {
	body, contentType, err := encodeMultipart(fields)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return raw, resp.StatusCode, nil
}

func (c *Client) onSuccess(ctx context.Context, log *zap.Logger, cfg callConfig, resp *Response) {
	if cfg.showSuccess && resp.Message != "" {
		c.notifier.Success(resp.Message)
	}
	if resp.Tokens == nil {
		return
	}
	if err := c.session.SetTokens(ctx, *resp.Tokens); err != nil {
		log.Warn("store refreshed tokens", zap.Error(err))
	}
}

func (c *Client) onFailure(ctx context.Context, log *zap.Logger, cfg callConfig, fields Payload, resp *Response) error {
	apiErr := &APIError{
		Message:        resp.Message,
		Code:           resp.Error,
		RequiresLogout: resp.TokensError,
		Response:       resp,
	}
	if apiErr.Message == "" {
		apiErr.Message = GenericErrorMessage
	}

	if resp.TokensError && c.session.IsAuthenticated() {
		// The logout must complete even if the caller gave up on ctx.
		if err := c.session.Logout(context.WithoutCancel(ctx)); err != nil {
			log.Warn("forced logout", zap.Error(err))
		}
		if c.nav != nil {
			c.nav.Replace(c.mainRoute)
		}
	}

	if cfg.sendLog {
		log.Error("request failed",
			zap.Any("sent", redact(fields)),
			zap.ByteString("received", truncate(resp.Body)),
		)
	}
	if cfg.showError && resp.Message != "" {
		c.notifier.Error(apiErr.Error())
	}
	return apiErr
}

func (c *Client) transportFailure(log *zap.Logger, cfg callConfig, fields Payload, cause error) error {
	if cfg.sendLog {
		log.Error("request failed", zap.Any("sent", redact(fields)), zap.Error(cause))
	}
	if cfg.showError {
		c.notifier.Error(GenericErrorMessage)
	}
	return &APIError{Message: GenericErrorMessage, Err: errors.Join(ErrTransport, cause)}
}

func truncate(b []byte) []byte {
	const max = 2048
	if len(b) > max {
		return b[:max]
	}
	return b
}

type nopNotifier struct{}

func (nopNotifier) Success(string) {}
func (nopNotifier) Error(string)   {}
