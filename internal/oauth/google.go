// Package oauth runs the Google sign-in flow for the CLI: it builds a PKCE
// authorization URL and receives the authorization code on a loopback
// callback, then hands code and verifier to the backend exchange.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/atinyakov/GophSession/internal/middleware"
)

// CallbackPath is the route the backend relay redirects to with the code.
const CallbackPath = "/google-login"

var (
	// ErrInFlight rejects a callback while another exchange is running.
	ErrInFlight = errors.New("oauth: sign-in already in progress")
	// ErrNotStarted rejects a callback that arrives before AuthURL was built.
	ErrNotStarted = errors.New("oauth: no sign-in was started")
	// ErrStateMismatch rejects a callback whose state was not issued by us.
	ErrStateMismatch = errors.New("oauth: state mismatch")
	// ErrMissingCode rejects a callback without an authorization code.
	ErrMissingCode = errors.New("oauth: callback has no code")
	// ErrDenied reports that the provider returned an error instead of a code.
	ErrDenied = errors.New("oauth: sign-in was denied")
)

// Exchanger trades the code and PKCE verifier for a session, normally
// through the backend.
type Exchanger func(ctx context.Context, code, verifier string) error

// NewGoogleConfig returns the OAuth client configuration for Google.
func NewGoogleConfig(clientID, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: redirectURL,
		Endpoint:    endpoints.Google,
		Scopes:      []string{"email", "profile"},
	}
}

// Flow holds the state of one sign-in attempt at a time.
type Flow struct {
	cfg      *oauth2.Config
	exchange Exchanger
	log      *zap.Logger

	mu       sync.Mutex
	verifier string
	state    string
	busy     bool
	done     chan error
}

// New creates a Flow.
func New(cfg *oauth2.Config, exchange Exchanger, log *zap.Logger) *Flow {
	if log == nil {
		log = zap.NewNop()
	}
	return &Flow{
		cfg:      cfg,
		exchange: exchange,
		log:      log,
		done:     make(chan error, 1),
	}
}

// AuthURL starts a new attempt with a fresh verifier and state and returns
// the URL to open in a browser. It fails while an exchange is running.
func (f *Flow) AuthURL() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return "", ErrInFlight
	}

	f.verifier = oauth2.GenerateVerifier()
	f.state = uuid.NewString()
	// drop a result left by an abandoned attempt
	select {
	case <-f.done:
	default:
	}

	return f.cfg.AuthCodeURL(f.state,
		oauth2.AccessTypeOnline,
		oauth2.S256ChallengeOption(f.verifier),
		oauth2.SetAuthURLParam("prompt", "login"),
	), nil
}

// Handler serves the callback route.
func (f *Flow) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.WithRequestLogging(f.log))
	r.Get(CallbackPath, f.callback)
	return r
}

func (f *Flow) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		f.log.Warn("google sign-in returned error",
			zap.String("error", e),
			zap.String("desc", q.Get("error_description")))
		f.finish(fmt.Errorf("%w: %s", ErrDenied, e))
		http.Error(w, "sign-in cancelled", http.StatusBadRequest)
		return
	}

	code := q.Get("code")
	if code == "" {
		http.Error(w, ErrMissingCode.Error(), http.StatusBadRequest)
		return
	}

	verifier, err := f.begin(q.Get("state"))
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrInFlight) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}

	err = f.exchange(r.Context(), code, verifier)
	f.end()
	f.finish(err)

	if err != nil {
		f.log.Error("google code exchange failed", zap.Error(err))
		http.Error(w, "sign-in failed, return to the terminal", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Signed in. You can close this window.\n"))
}

// begin claims the attempt. The relay may drop state, so an empty state is
// accepted; a present one must match.
func (f *Flow) begin(state string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.busy:
		return "", ErrInFlight
	case f.verifier == "":
		return "", ErrNotStarted
	case state != "" && state != f.state:
		return "", ErrStateMismatch
	}
	f.busy = true
	return f.verifier, nil
}

func (f *Flow) end() {
	f.mu.Lock()
	f.busy = false
	f.verifier = ""
	f.state = ""
	f.mu.Unlock()
}

func (f *Flow) finish(err error) {
	select {
	case f.done <- err:
	default:
	}
}

// Wait blocks until the current attempt completes or ctx is done.
func (f *Flow) Wait(ctx context.Context) error {
	select {
	case err := <-f.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run listens on addr, passes the authorization URL to open and waits for
// the callback. The listener is closed before Run returns.
func (f *Flow) Run(ctx context.Context, addr string, open func(url string)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen for callback: %w", err)
	}

	srv := &http.Server{Handler: f.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.log.Error("callback server", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	url, err := f.AuthURL()
	if err != nil {
		return err
	}
	open(url)
	return f.Wait(ctx)
}
