// Package api wraps the backend endpoints used by the app in typed calls
// built on the request gateway.
package api

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/atinyakov/GophSession/internal/gateway"
	"github.com/atinyakov/GophSession/internal/kv"
	"github.com/atinyakov/GophSession/internal/models"
)

// DefaultBaseURL is the production backend.
const DefaultBaseURL = "https://biosign-app.com/backend/mobile_app"

const (
	pathLogin          = "user/login.php"
	pathRegister       = "user/register_v2.php"
	pathGoogleAuth     = "user/google_auth_user.php"
	pathChangePassword = "user/change_password.php"
	pathSendResetMail  = "user/send_reset_mail.php"
	pathMailVerify     = "user/mail_verify.php"
	pathResetCheckHash = "user/reset_password_check_hash.php"
	pathResetPassword  = "user/reset_password.php"
	pathInit           = "init.php"
)

// User-facing messages of the startup flow.
const (
	MsgTokenInvalid = "An error occurred, the token is invalid"
	MsgOffline      = "An error occurred, check your internet connection"
)

var (
	// ErrNoUser is returned when an auth endpoint succeeds without user data.
	ErrNoUser = errors.New("api: response carries no user")
	// ErrExternalAccount is returned by ChangePassword for Google or Apple
	// accounts, which have no local password.
	ErrExternalAccount = errors.New("api: password is managed by the identity provider")
)

// Caller performs one gateway call.
type Caller interface {
	Call(ctx context.Context, url string, payload gateway.Payload, opts ...gateway.CallOption) (*gateway.Response, error)
}

// Session is the part of session.Manager the endpoints drive.
type Session interface {
	Hydrate(ctx context.Context) bool
	Login(ctx context.Context, user models.User, update models.TokenUpdate) error
	Logout(ctx context.Context) error
	IsAuthenticated() bool
	User() (models.User, bool)
}

// AuthResponse is returned by login, registration and Google sign-in.
type AuthResponse struct {
	Message  string             `json:"message"`
	UserData *models.User       `json:"userData"`
	Tokens   models.TokenUpdate `json:"tokens"`
}

// InitResponse is returned by init.php. The server only refreshes the
// access token here.
type InitResponse struct {
	UserAvailable bool               `json:"userAvailable"`
	User          *models.User       `json:"user"`
	Tokens        models.TokenUpdate `json:"tokens"`
}

// RegisterRequest holds the registration form.
type RegisterRequest struct {
	Name            string
	Email           string
	Password        string
	PasswordConfirm string
}

// Client calls the backend endpoints.
type Client struct {
	gw       Caller
	sess     Session
	store    *kv.Store
	notifier gateway.Notifier
	log      *zap.Logger
	baseURL  string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides DefaultBaseURL.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithStore lets Bootstrap initialize the store before hydrating.
func WithStore(s *kv.Store) Option {
	return func(c *Client) { c.store = s }
}

// WithNotifier sets the sink for startup messages.
func WithNotifier(n gateway.Notifier) Option {
	return func(c *Client) { c.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a Client.
func New(gw Caller, sess Session, opts ...Option) *Client {
	c := &Client{
		gw:      gw,
		sess:    sess,
		log:     zap.NewNop(),
		baseURL: DefaultBaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the absolute URL of an endpoint path.
func (c *Client) URL(path string) string {
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// Login signs in with email and password and adopts the returned session.
func (c *Client) Login(ctx context.Context, email, password string) (models.User, error) {
	return c.authenticate(ctx, pathLogin, gateway.Payload{
		"email":    email,
		"password": password,
	})
}

// Register creates an account and signs in.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (models.User, error) {
	return c.authenticate(ctx, pathRegister, gateway.Payload{
		"name":            req.Name,
		"email":           req.Email,
		"password":        req.Password,
		"passwordConfirm": req.PasswordConfirm,
	})
}

// GoogleAuth exchanges an authorization code and its PKCE verifier for a
// session.
func (c *Client) GoogleAuth(ctx context.Context, code, verifier string) (models.User, error) {
	return c.authenticate(ctx, pathGoogleAuth, gateway.Payload{
		"code":         code,
		"codeVerifier": verifier,
	})
}

func (c *Client) authenticate(ctx context.Context, path string, payload gateway.Payload) (models.User, error) {
	resp, err := c.gw.Call(ctx, c.URL(path), payload, gateway.ShowSuccess(false))
	if err != nil {
		return models.User{}, err
	}
	auth, err := gateway.Decode[AuthResponse](resp)
	if err != nil {
		return models.User{}, err
	}
	if auth.UserData == nil {
		return models.User{}, ErrNoUser
	}
	if err := c.sess.Login(ctx, *auth.UserData, auth.Tokens); err != nil {
		return models.User{}, fmt.Errorf("adopt session: %w", err)
	}
	return *auth.UserData, nil
}

// ChangePassword updates the password of the logged-in user.
func (c *Client) ChangePassword(ctx context.Context, current, next, repeat string) error {
	if u, ok := c.sess.User(); ok && u.ExternalIdentity() {
		return ErrExternalAccount
	}
	_, err := c.gw.Call(ctx, c.URL(pathChangePassword), gateway.Payload{
		"currentPassword":   current,
		"newPassword":       next,
		"repeatNewPassword": repeat,
	})
	return err
}

// SendResetMail asks the backend to email a password reset link.
func (c *Client) SendResetMail(ctx context.Context, email string) error {
	_, err := c.gw.Call(ctx, c.URL(pathSendResetMail), gateway.Payload{"email": email})
	return err
}

// VerifyEmail confirms an email address with the hash from the verification
// link. No toast is shown; the backend message is returned for display,
// inside the *gateway.APIError on failure.
func (c *Client) VerifyEmail(ctx context.Context, hash string) (string, error) {
	resp, err := c.gw.Call(ctx, c.URL(pathMailVerify), gateway.Payload{"hash": hash}, gateway.Quiet())
	if err != nil {
		return "", err
	}
	return resp.Message, nil
}

// CheckResetHash reports whether a password reset link is still valid.
func (c *Client) CheckResetHash(ctx context.Context, hash string) error {
	_, err := c.gw.Call(ctx, c.URL(pathResetCheckHash), gateway.Payload{"hash": hash})
	return err
}

// ResetPassword sets a new password using the hash from the reset link.
func (c *Client) ResetPassword(ctx context.Context, hash, password, passwordConfirm string) error {
	_, err := c.gw.Call(ctx, c.URL(pathResetPassword), gateway.Payload{
		"hash":            hash,
		"password":        password,
		"passwordConfirm": passwordConfirm,
	})
	return err
}

// Bootstrap runs the startup flow: restore the stored session, ask the
// backend whether it is still valid and reconcile the two.
func (c *Client) Bootstrap(ctx context.Context) (InitResponse, error) {
	if c.store != nil {
		c.store.Init(ctx)
	}
	if !c.sess.IsAuthenticated() {
		c.sess.Hydrate(ctx)
	}

	resp, err := c.gw.Call(ctx, c.URL(pathInit), nil, gateway.Quiet())
	if err != nil {
		c.notify(MsgOffline)
		return InitResponse{}, err
	}
	reply, err := gateway.Decode[InitResponse](resp)
	if err != nil {
		c.notify(MsgOffline)
		return InitResponse{}, err
	}

	switch {
	case c.sess.IsAuthenticated() && !reply.UserAvailable:
		c.notify(MsgTokenInvalid)
		if err := c.sess.Logout(ctx); err != nil {
			c.log.Warn("bootstrap: logout", zap.Error(err))
		}
	case reply.UserAvailable && reply.User != nil:
		if err := c.sess.Login(ctx, *reply.User, reply.Tokens); err != nil {
			return reply, fmt.Errorf("adopt session: %w", err)
		}
	}
	return reply, nil
}

func (c *Client) notify(msg string) {
	if c.notifier != nil {
		c.notifier.Error(msg)
	}
}
