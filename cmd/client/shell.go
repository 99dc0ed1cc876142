package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/atinyakov/GophSession/internal/api"
	"github.com/atinyakov/GophSession/internal/gateway"
	"github.com/atinyakov/GophSession/internal/guard"
	"github.com/atinyakov/GophSession/internal/nav"
	"github.com/atinyakov/GophSession/internal/oauth"
	"github.com/atinyakov/GophSession/internal/session"
)

const changePasswordRoute = "/(auth)/change-password"

const helpText = `Available commands:
  help                         show this help
  login                        sign in with email and password
  register                     create an account
  google-login                 sign in with Google
  logout                       sign out
  status                       show route and session state
  whoami                       show the signed-in user
  change-password              change your password
  forgot-password              request a password reset email
  reset-password <hash>        set a new password from a reset link
  verify-email <hash>          confirm your email from a verification link
  go <path>                    navigate to a route
  call <endpoint> [k=v ...]    call a backend endpoint (v: true/false, @file, text)
  exit                         quit`

// shell is the interactive command loop.
type shell struct {
	in  io.Reader
	out io.Writer

	sess   *session.Manager
	api    *api.Client
	gw     *gateway.Client
	router *nav.Router
	guard  *guard.Guard

	flow         *oauth.Flow
	callbackAddr string

	scanner *bufio.Scanner
}

// run reads commands until exit, EOF or ctx is done. The guard must have
// been started.
func (s *shell) run(ctx context.Context) {
	if !s.guard.Ready() {
		return
	}
	s.scanner = bufio.NewScanner(s.in)

	for ctx.Err() == nil {
		fmt.Fprintf(s.out, "gophsession %s> ", s.router.Path())
		if !s.scanner.Scan() {
			break
		}
		args := strings.Fields(s.scanner.Text())
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			fmt.Fprintln(s.out, "Bye")
			return
		}
		s.exec(ctx, args)
	}
}

func (s *shell) exec(ctx context.Context, args []string) {
	switch args[0] {
	case "help":
		fmt.Fprintln(s.out, helpText)
	case "login":
		s.login(ctx)
	case "register":
		s.register(ctx)
	case "google-login":
		s.googleLogin(ctx)
	case "logout":
		if err := s.sess.Logout(ctx); err != nil {
			fmt.Fprintf(s.out, "Signed out, but the stored session could not be removed: %v\n", err)
			return
		}
		fmt.Fprintln(s.out, "Signed out")
	case "status":
		s.status()
	case "whoami":
		u, err := s.sess.AuthUser()
		if err != nil {
			fmt.Fprintln(s.out, "Not signed in")
			return
		}
		b, _ := json.MarshalIndent(u, "", "  ")
		fmt.Fprintln(s.out, string(b))
	case "change-password":
		s.changePassword(ctx)
	case "forgot-password":
		email := s.prompt("Email: ")
		if err := s.api.SendResetMail(ctx, email); err == nil {
			fmt.Fprintln(s.out, "Check your email for the reset link.")
		}
	case "reset-password":
		if len(args) < 2 {
			fmt.Fprintln(s.out, "Usage: reset-password <hash>")
			return
		}
		s.resetPassword(ctx, args[1])
	case "verify-email":
		if len(args) < 2 {
			fmt.Fprintln(s.out, "Usage: verify-email <hash>")
			return
		}
		s.verifyEmail(ctx, args[1])
	case "go":
		if len(args) < 2 {
			fmt.Fprintln(s.out, "Usage: go <path>")
			return
		}
		s.router.Push(args[1])
		fmt.Fprintln(s.out, s.router.Path())
	case "call":
		s.call(ctx, args[1:])
	default:
		fmt.Fprintln(s.out, "Unknown command. Type 'help' for a list of commands.")
	}
}

func (s *shell) login(ctx context.Context) {
	email := s.prompt("Email: ")
	password := s.prompt("Password: ")
	u, err := s.api.Login(ctx, email, password)
	if err != nil {
		s.reportLocal(err)
		return
	}
	fmt.Fprintf(s.out, "Signed in as %s\n", u.Name)
	s.restart(ctx)
}

func (s *shell) register(ctx context.Context) {
	req := api.RegisterRequest{
		Name:            s.prompt("Name: "),
		Email:           s.prompt("Email: "),
		Password:        s.prompt("Password: "),
		PasswordConfirm: s.prompt("Confirm password: "),
	}
	u, err := s.api.Register(ctx, req)
	if err != nil {
		s.reportLocal(err)
		return
	}
	fmt.Fprintf(s.out, "Welcome, %s\n", u.Name)
	s.restart(ctx)
}

func (s *shell) googleLogin(ctx context.Context) {
	if s.flow == nil {
		fmt.Fprintln(s.out, "Google sign-in is not configured (set GOOGLE_CLIENT_ID)")
		return
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	err := s.flow.Run(waitCtx, s.callbackAddr, func(url string) {
		fmt.Fprintf(s.out, "Open this URL in your browser to continue:\n%s\n", url)
	})
	if err != nil {
		s.reportLocal(err)
		return
	}
	s.restart(ctx)
}

func (s *shell) changePassword(ctx context.Context) {
	if !s.sess.IsAuthenticated() {
		fmt.Fprintln(s.out, "Not signed in")
		return
	}
	s.router.Push(changePasswordRoute)
	defer s.router.Back()

	current := s.prompt("Current password: ")
	next := s.prompt("New password: ")
	repeat := s.prompt("Repeat new password: ")
	if err := s.api.ChangePassword(ctx, current, next, repeat); err != nil {
		s.reportLocal(err)
	}
}

func (s *shell) resetPassword(ctx context.Context, hash string) {
	if err := s.api.CheckResetHash(ctx, hash); err != nil {
		s.reportLocal(err)
		s.router.Replace(guard.DefaultMainRoute)
		return
	}
	password := s.prompt("New password: ")
	confirm := s.prompt("Confirm password: ")
	if err := s.api.ResetPassword(ctx, hash, password, confirm); err != nil {
		s.reportLocal(err)
		return
	}
	s.router.Replace(guard.DefaultMainRoute)
}

func (s *shell) verifyEmail(ctx context.Context, hash string) {
	msg, err := s.api.VerifyEmail(ctx, hash)
	var apiErr *gateway.APIError
	switch {
	case errors.As(err, &apiErr):
		fmt.Fprintf(s.out, "Email not verified: %s\n", apiErr.Message)
	case err != nil:
		fmt.Fprintf(s.out, "Error: %v\n", err)
	default:
		fmt.Fprintln(s.out, msg)
	}
}

func (s *shell) status() {
	fmt.Fprintf(s.out, "Route: %s\n", s.router.Path())
	u, ok := s.sess.User()
	if !ok {
		fmt.Fprintln(s.out, "Session: anonymous")
		return
	}
	fmt.Fprintf(s.out, "Session: authenticated as %s (id %d)\n", u.Name, u.ID)
	tokens, _ := s.sess.Tokens()
	if exp, ok := tokens.AccessExpiry(); ok {
		fmt.Fprintf(s.out, "Access token expires: %s\n", exp.Local().Format(time.RFC1123))
	}
	if tokens.RefreshToken == "" {
		fmt.Fprintln(s.out, "No refresh token")
	}
}

func (s *shell) call(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out, "Usage: call <endpoint> [k=v ...]")
		return
	}
	payload, err := parsePayload(args[1:])
	if err != nil {
		fmt.Fprintln(s.out, err)
		return
	}
	resp, err := s.gw.Call(ctx, s.api.URL(args[0]), payload)
	if err != nil {
		return
	}
	var pretty strings.Builder
	enc := json.NewEncoder(&pretty)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp.Body); err != nil {
		fmt.Fprintln(s.out, string(resp.Body))
		return
	}
	fmt.Fprint(s.out, pretty.String())
}

// restart re-runs the startup check after a sign-in, like reopening the app.
func (s *shell) restart(ctx context.Context) {
	_, _ = s.api.Bootstrap(ctx)
}

// reportLocal prints errors the gateway has not already shown.
func (s *shell) reportLocal(err error) {
	var apiErr *gateway.APIError
	if errors.As(err, &apiErr) {
		return
	}
	fmt.Fprintf(s.out, "Error: %v\n", err)
}

func (s *shell) prompt(label string) string {
	fmt.Fprint(s.out, label)
	if !s.scanner.Scan() {
		return ""
	}
	return strings.TrimSpace(s.scanner.Text())
}

// parsePayload turns k=v arguments into a payload: "true" and "false" become
// booleans and "@path" becomes a file attachment.
func parsePayload(args []string) (gateway.Payload, error) {
	payload := gateway.Payload{}
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid argument %q, want key=value", arg)
		}
		switch {
		case v == "true" || v == "false":
			payload[k] = v == "true"
		case strings.HasPrefix(v, "@") && len(v) > 1:
			path := v[1:]
			payload[k] = gateway.Attachment{
				URI:  path,
				Name: filepath.Base(path),
				MIME: mime.TypeByExtension(filepath.Ext(path)),
			}
		default:
			payload[k] = v
		}
	}
	return payload, nil
}
