package guard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atinyakov/GophSession/internal/kv"
	"github.com/atinyakov/GophSession/internal/models"
	"github.com/atinyakov/GophSession/internal/nav"
	"github.com/atinyakov/GophSession/internal/session"
)

var carol = models.User{ID: 11, Name: "Carol"}

func newSession(t *testing.T, backend kv.Backend) *session.Manager {
	t.Helper()
	return session.New(kv.NewStore(backend), nil)
}

func start(t *testing.T, sess *session.Manager, path string) (*Guard, *nav.Router) {
	t.Helper()
	router := nav.New(path)
	g := New(sess, router)
	router.OnChange(func(string) { g.RouteChanged() })
	g.Start(context.Background())
	t.Cleanup(g.Stop)
	return g, router
}

func TestGuard_NothingBeforeReady(t *testing.T) {
	router := nav.New("/(tabs)")
	g := New(newSession(t, kv.NewMemoryBackend()), router)

	g.RouteChanged()
	assert.False(t, g.Ready())
	assert.Equal(t, "/(tabs)", router.Path())
}

func TestGuard_AnonymousGoesToLogin(t *testing.T) {
	g, router := start(t, newSession(t, kv.NewMemoryBackend()), "/(tabs)/documents")
	assert.True(t, g.Ready())
	assert.Equal(t, DefaultLoginRoute, router.Path())

	router.Push("/(auth)/register")
	assert.Equal(t, "/(auth)/register", router.Path(), "auth screens are open to anonymous users")

	router.Push("/settings")
	assert.Equal(t, DefaultLoginRoute, router.Path())
}

func TestGuard_HydratedSessionLeavesAuthGroup(t *testing.T) {
	backend := kv.NewMemoryBackend()
	require.NoError(t, newSession(t, backend).Login(context.Background(), carol, models.TokenUpdate{AccessToken: "t"}))

	sess := newSession(t, backend)
	_, router := start(t, sess, "/(auth)/login")

	assert.True(t, sess.IsAuthenticated())
	assert.Equal(t, DefaultMainRoute, router.Path())
}

func TestGuard_AllowListWhileAuthenticated(t *testing.T) {
	sess := newSession(t, kv.NewMemoryBackend())
	require.NoError(t, sess.Login(context.Background(), carol, models.TokenUpdate{AccessToken: "t"}))

	_, router := start(t, sess, "/(tabs)")
	router.Push("/(auth)/change-password")
	assert.Equal(t, "/(auth)/change-password", router.Path())

	router.Push("/(auth)/forgot-password")
	assert.Equal(t, DefaultMainRoute, router.Path())
}

func TestGuard_FollowsAuthTransitions(t *testing.T) {
	ctx := context.Background()
	sess := newSession(t, kv.NewMemoryBackend())
	_, router := start(t, sess, "/(auth)/login")
	assert.Equal(t, "/(auth)/login", router.Path())

	require.NoError(t, sess.Login(ctx, carol, models.TokenUpdate{AccessToken: "t"}))
	assert.Equal(t, DefaultMainRoute, router.Path())

	require.NoError(t, sess.Logout(ctx))
	assert.Equal(t, DefaultLoginRoute, router.Path())
}

func TestGuard_Stop(t *testing.T) {
	ctx := context.Background()
	sess := newSession(t, kv.NewMemoryBackend())
	require.NoError(t, sess.Login(ctx, carol, models.TokenUpdate{AccessToken: "t"}))

	router := nav.New("/(tabs)")
	g := New(sess, router)
	g.Start(ctx)
	g.Stop()
	g.Stop()

	require.NoError(t, sess.Logout(ctx))
	assert.Equal(t, "/(tabs)", router.Path())
}

func TestGuard_Options(t *testing.T) {
	router := nav.New("/home")
	g := New(newSession(t, kv.NewMemoryBackend()), router,
		WithAuthGroup("public"),
		WithLoginRoute("/public/signin"),
		WithMainRoute("/home"),
		WithAllowed("profile"),
	)
	g.Start(context.Background())
	assert.Equal(t, "/public/signin", router.Path())

	target, ok := g.Target(true, []string{"public", "profile"})
	assert.False(t, ok, target)
}

func TestTarget(t *testing.T) {
	g := New(nil, nil)

	tests := []struct {
		name     string
		authed   bool
		segments []string
		want     string
		redirect bool
	}{
		{name: "anonymous at root", authed: false, segments: nil, want: DefaultLoginRoute, redirect: true},
		{name: "anonymous in tabs", authed: false, segments: []string{"(tabs)"}, want: DefaultLoginRoute, redirect: true},
		{name: "anonymous on login", authed: false, segments: []string{"(auth)", "login"}},
		{name: "anonymous on auth group index", authed: false, segments: []string{"(auth)"}},
		{name: "authed in tabs", authed: true, segments: []string{"(tabs)", "home"}},
		{name: "authed on login", authed: true, segments: []string{"(auth)", "login"}, want: DefaultMainRoute, redirect: true},
		{name: "authed on auth group index", authed: true, segments: []string{"(auth)"}, want: DefaultMainRoute, redirect: true},
		{name: "authed on change-password", authed: true, segments: []string{"(auth)", "change-password"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := g.Target(tt.authed, tt.segments)
			assert.Equal(t, tt.redirect, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
