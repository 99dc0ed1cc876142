// Package nav keeps the current route of the CLI. Routes are file-system
// style paths whose first segment may be a group such as "(auth)".
package nav

import (
	"strings"
	"sync"
)

// Router is an in-memory navigation stack.
type Router struct {
	mu       sync.Mutex
	stack    []string
	onChange []func(path string)
}

// New creates a Router positioned at initial.
func New(initial string) *Router {
	return &Router{stack: []string{clean(initial)}}
}

// OnChange registers fn to run after every route change. Hooks run outside
// the router lock and may navigate again.
func (r *Router) OnChange(fn func(path string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// Push navigates to path, keeping the current route for Back.
func (r *Router) Push(path string) {
	r.mu.Lock()
	r.stack = append(r.stack, clean(path))
	r.mu.Unlock()
	r.changed()
}

// Replace swaps the current route for path.
func (r *Router) Replace(path string) {
	p := clean(path)
	r.mu.Lock()
	if r.stack[len(r.stack)-1] == p {
		r.mu.Unlock()
		return
	}
	r.stack[len(r.stack)-1] = p
	r.mu.Unlock()
	r.changed()
}

// Back returns to the previous route. It reports false at the root.
func (r *Router) Back() bool {
	r.mu.Lock()
	if len(r.stack) < 2 {
		r.mu.Unlock()
		return false
	}
	r.stack = r.stack[:len(r.stack)-1]
	r.mu.Unlock()
	r.changed()
	return true
}

// Path returns the current route.
func (r *Router) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stack[len(r.stack)-1]
}

// Segments returns the current route split on "/".
func (r *Router) Segments() []string {
	return Segments(r.Path())
}

// Segments splits path into its non-empty segments.
func Segments(path string) []string {
	var out []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (r *Router) changed() {
	r.mu.Lock()
	path := r.stack[len(r.stack)-1]
	hooks := append(([]func(string))(nil), r.onChange...)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(path)
	}
}

func clean(path string) string {
	return "/" + strings.Join(Segments(path), "/")
}
