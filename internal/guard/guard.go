// Package guard keeps the current route consistent with the authentication
// state: anonymous users are sent to the login screen, authenticated users
// are sent away from the auth screens.
package guard

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// Defaults matching the app's route layout.
const (
	DefaultAuthGroup  = "(auth)"
	DefaultLoginRoute = "/(auth)/login"
	DefaultMainRoute  = "/(tabs)"
)

// DefaultAllowed lists auth-group screens reachable while authenticated.
var DefaultAllowed = []string{"change-password"}

// Router exposes the current route and redirects.
type Router interface {
	Segments() []string
	Replace(path string)
}

// Session is the part of session.Manager the guard observes.
type Session interface {
	Hydrate(ctx context.Context) bool
	IsAuthenticated() bool
	Subscribe(fn func(authenticated bool)) (unsubscribe func())
}

// Guard redirects on every change of route or authentication state once the
// initial hydrate has completed.
type Guard struct {
	sess   Session
	router Router
	log    *zap.Logger

	authGroup  string
	loginRoute string
	mainRoute  string
	allowed    []string

	mu          sync.Mutex
	ready       bool
	authed      bool
	unsubscribe func()
}

// Option configures a Guard.
type Option func(*Guard)

// WithAuthGroup sets the first route segment of the auth screens.
func WithAuthGroup(group string) Option {
	return func(g *Guard) { g.authGroup = group }
}

// WithLoginRoute sets the redirect target for anonymous users.
func WithLoginRoute(path string) Option {
	return func(g *Guard) { g.loginRoute = path }
}

// WithMainRoute sets the redirect target for authenticated users.
func WithMainRoute(path string) Option {
	return func(g *Guard) { g.mainRoute = path }
}

// WithAllowed replaces the auth-group screens reachable while authenticated.
func WithAllowed(screens ...string) Option {
	return func(g *Guard) { g.allowed = screens }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Guard) { g.log = l }
}

// New creates a Guard. It does nothing until Start.
func New(sess Session, router Router, opts ...Option) *Guard {
	g := &Guard{
		sess:       sess,
		router:     router,
		log:        zap.NewNop(),
		authGroup:  DefaultAuthGroup,
		loginRoute: DefaultLoginRoute,
		mainRoute:  DefaultMainRoute,
		allowed:    DefaultAllowed,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start subscribes to the session, waits for Hydrate, marks the guard ready
// and applies the rules to the current route.
func (g *Guard) Start(ctx context.Context) {
	unsubscribe := g.sess.Subscribe(g.authChanged)

	g.sess.Hydrate(ctx)

	g.mu.Lock()
	g.unsubscribe = unsubscribe
	g.authed = g.sess.IsAuthenticated()
	g.ready = true
	g.mu.Unlock()

	g.log.Debug("navigation guard ready")
	g.evaluate()
}

// Ready reports whether the initial hydrate has completed. Hosts render
// nothing until it has.
func (g *Guard) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

// RouteChanged re-applies the rules after the host navigated.
func (g *Guard) RouteChanged() {
	g.evaluate()
}

// Stop removes the session subscription.
func (g *Guard) Stop() {
	g.mu.Lock()
	unsubscribe := g.unsubscribe
	g.unsubscribe = nil
	g.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (g *Guard) authChanged(authenticated bool) {
	g.mu.Lock()
	g.authed = authenticated
	g.mu.Unlock()
	g.evaluate()
}

func (g *Guard) evaluate() {
	g.mu.Lock()
	ready, authed := g.ready, g.authed
	g.mu.Unlock()
	if !ready {
		return
	}

	if target, ok := g.Target(authed, g.router.Segments()); ok {
		g.log.Debug("redirect", zap.Bool("authenticated", authed), zap.String("to", target))
		g.router.Replace(target)
	}
}

// Target returns where a user with the given state should be sent from the
// route made of segments, or false to stay.
func (g *Guard) Target(authenticated bool, segments []string) (string, bool) {
	inAuthGroup := len(segments) > 0 && segments[0] == g.authGroup
	var page string
	if len(segments) > 1 {
		page = segments[1]
	}

	switch {
	case !authenticated && !inAuthGroup:
		return g.loginRoute, true
	case authenticated && inAuthGroup && !slices.Contains(g.allowed, page):
		return g.mainRoute, true
	}
	return "", false
}
