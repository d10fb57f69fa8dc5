// Package feedback implements the path-indexed subscription registry for
// device feedback events.
package feedback

import (
	"fmt"
	"strings"
	"sync"
)

// Wildcard as the last path segment subscribes to the whole subtree below
// the preceding segments.
const Wildcard = "*"

// Listener receives the payload of a dispatched feedback event.
type Listener func(params map[string]any)

// Interceptor may transform or veto an event before listeners see it.
// Returning false vetoes the event.
type Interceptor func(params map[string]any) (map[string]any, bool)

type registration struct {
	fn       Listener
	wildcard bool
}

type node struct {
	children map[string]*node
	entries  []*registration
	wildcard []*registration
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

func (n *node) empty() bool {
	return len(n.entries) == 0 && len(n.wildcard) == 0 && len(n.children) == 0
}

// Tree is a per-connection feedback subscription registry. It is mutated
// only from the connection's processing path, so no locking would strictly
// be required; the mutex keeps direct library use safe.
type Tree struct {
	mu          sync.Mutex
	root        *node
	interceptor Interceptor
	onReject    func(params map[string]any)
}

// Option configures a Tree.
type Option func(*Tree)

// WithInterceptor installs an event interceptor.
func WithInterceptor(fn Interceptor) Option {
	return func(t *Tree) { t.interceptor = fn }
}

// WithRejectHandler installs a callback informed of vetoed events.
func WithRejectHandler(fn func(params map[string]any)) Option {
	return func(t *Tree) { t.onReject = fn }
}

// NewTree creates an empty subscription tree.
func NewTree(opts ...Option) *Tree {
	t := &Tree{root: newNode()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NormalizePath accepts a space/slash-delimited string or an explicit
// segment sequence and returns the canonical ordered segments. Segment case
// is preserved.
func NormalizePath(path any) ([]string, error) {
	switch p := path.(type) {
	case string:
		segments := strings.FieldsFunc(p, func(r rune) bool {
			return r == '/' || r == ' '
		})
		if len(segments) == 0 {
			return nil, fmt.Errorf("empty feedback path %q", p)
		}
		return segments, nil
	case []string:
		if len(p) == 0 {
			return nil, fmt.Errorf("empty feedback path")
		}
		return p, nil
	case []any:
		segments := make([]string, 0, len(p))
		for _, seg := range p {
			s, ok := seg.(string)
			if !ok {
				return nil, fmt.Errorf("feedback path segment %v is not a string", seg)
			}
			segments = append(segments, s)
		}
		if len(segments) == 0 {
			return nil, fmt.Errorf("empty feedback path")
		}
		return segments, nil
	default:
		return nil, fmt.Errorf("unsupported feedback path type %T", path)
	}
}

// Subscribe registers a listener at path and returns a cancel handle.
// Cancelling twice is a no-op the second time. A trailing "*" segment
// registers the listener for the whole subtree.
func (t *Tree) Subscribe(path any, fn Listener) (func(), error) {
	segments, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}

	wildcard := segments[len(segments)-1] == Wildcard
	if wildcard {
		segments = segments[:len(segments)-1]
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root
	for _, seg := range segments {
		child, ok := n.children[seg]
		if !ok {
			child = newNode()
			n.children[seg] = child
		}
		n = child
	}

	reg := &registration{fn: fn, wildcard: wildcard}
	if wildcard {
		n.wildcard = append(n.wildcard, reg)
	} else {
		n.entries = append(n.entries, reg)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.remove(segments, reg)
		})
	}
	return cancel, nil
}

func (t *Tree) remove(segments []string, reg *registration) {
	nodes := make([]*node, 0, len(segments)+1)
	n := t.root
	nodes = append(nodes, n)
	for _, seg := range segments {
		child, ok := n.children[seg]
		if !ok {
			return
		}
		n = child
		nodes = append(nodes, n)
	}

	if reg.wildcard {
		n.wildcard = removeRegistration(n.wildcard, reg)
	} else {
		n.entries = removeRegistration(n.entries, reg)
	}

	// Prune empty nodes from the leaf upward.
	for i := len(nodes) - 1; i > 0; i-- {
		if !nodes[i].empty() {
			break
		}
		delete(nodes[i-1].children, segments[i-1])
	}
}

func removeRegistration(regs []*registration, target *registration) []*registration {
	for i, reg := range regs {
		if reg == target {
			return append(regs[:i], regs[i+1:]...)
		}
	}
	return regs
}

// Count reports the number of live registrations at exactly path.
func (t *Tree) Count(path any) int {
	segments, err := NormalizePath(path)
	if err != nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.root
	for _, seg := range segments {
		child, ok := n.children[seg]
		if !ok {
			return 0
		}
		n = child
	}
	return len(n.entries) + len(n.wildcard)
}

// Dispatch walks the event's path and invokes every interested listener:
// exact-path listeners first in registration order, then wildcard listeners
// outward from the event node toward the root. A dispatch that finds no
// listeners is silent.
func (t *Tree) Dispatch(params map[string]any) {
	if t.interceptor != nil {
		transformed, ok := t.interceptor(params)
		if !ok {
			if t.onReject != nil {
				t.onReject(params)
			}
			return
		}
		params = transformed
	}

	rawPath, ok := params["Path"]
	if !ok {
		return
	}
	segments, err := NormalizePath(rawPath)
	if err != nil {
		return
	}

	t.mu.Lock()
	chain := make([]*node, 0, len(segments)+1)
	n := t.root
	chain = append(chain, n)
	for _, seg := range segments {
		child, ok := n.children[seg]
		if !ok {
			break
		}
		n = child
		chain = append(chain, n)
	}

	var listeners []Listener
	if len(chain) == len(segments)+1 {
		for _, reg := range chain[len(chain)-1].entries {
			listeners = append(listeners, reg.fn)
		}
	}
	for i := len(chain) - 1; i >= 0; i-- {
		for _, reg := range chain[i].wildcard {
			listeners = append(listeners, reg.fn)
		}
	}
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(params)
	}
}

// Reset drops every registration; used on connection close, where individual
// cancels are not invoked.
func (t *Tree) Reset() {
	t.mu.Lock()
	t.root = newNode()
	t.mu.Unlock()
}
