package xapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roomgrid/xapi/internal/feedback"
	"github.com/roomgrid/xapi/pkg/xapi/schema"
)

// Node is a typed accessor bound to one API path. The leading segment names
// the address space (Command, Status, Configuration, Event) and selects
// which operations apply; the declared schema powers discovery only.
type Node struct {
	client *Client
	path   []string
}

// Node builds an accessor for path. The path does not have to be declared
// in the schema; the device is the authority.
func (c *Client) Node(path any) (*Node, error) {
	segments, err := feedback.NormalizePath(path)
	if err != nil {
		return nil, err
	}
	return &Node{client: c, path: segments}, nil
}

// Path returns a copy of the node's segments.
func (n *Node) Path() []string {
	return append([]string(nil), n.path...)
}

// Known reports whether the path is declared in the schema.
func (n *Node) Known() bool {
	tree, err := schema.Default()
	if err != nil {
		return false
	}
	return tree.Known(n.path)
}

// Children lists the declared segments directly below this node.
func (n *Node) Children() []string {
	tree, err := schema.Default()
	if err != nil {
		return nil
	}
	return tree.Children(n.path)
}

// Child returns the accessor one segment deeper.
func (n *Node) Child(segment string) *Node {
	return &Node{client: n.client, path: append(n.Path(), segment)}
}

// Get reads the node's value; valid for Status and Configuration paths.
func (n *Node) Get(ctx context.Context) (json.RawMessage, error) {
	switch n.path[0] {
	case "Status":
		return n.client.Status(ctx, n.path)
	case "Configuration", "Config":
		return n.client.Config(ctx, n.path)
	default:
		return nil, fmt.Errorf("cannot get %s path", n.path[0])
	}
}

// Set writes a configuration value; valid for Configuration paths.
func (n *Node) Set(ctx context.Context, value any) error {
	switch n.path[0] {
	case "Configuration", "Config":
		return n.client.SetConfig(ctx, n.path, value)
	default:
		return fmt.Errorf("cannot set %s path", n.path[0])
	}
}

// Exec runs a command; valid for Command paths.
func (n *Node) Exec(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	if n.path[0] != "Command" {
		return nil, fmt.Errorf("cannot exec %s path", n.path[0])
	}
	return n.client.Command(ctx, n.path[1:], params)
}

// On subscribes fn to feedback at this node's path.
func (n *Node) On(ctx context.Context, fn Listener) (func(context.Context) error, error) {
	return n.client.Feedback(ctx, n.path, fn)
}
