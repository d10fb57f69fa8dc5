// Package schema declares the known device API paths as an explicit table.
// It replaces the runtime-reflection path proxy of other client libraries:
// accessors are interpreted against this fixed tree, and unknown paths are
// still sent to the device, which stays the authority on what exists.
package schema

import (
	_ "embed"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed schema.yaml
var raw []byte

type document struct {
	Command       []string `yaml:"command"`
	Status        []string `yaml:"status"`
	Configuration []string `yaml:"configuration"`
	Event         []string `yaml:"event"`
}

type node struct {
	children map[string]*node
	terminal bool
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// Tree is an immutable path table.
type Tree struct {
	root *node
}

var (
	defaultOnce sync.Once
	defaultTree *Tree
	defaultErr  error
)

// Default returns the tree parsed from the embedded schema document.
func Default() (*Tree, error) {
	defaultOnce.Do(func() {
		defaultTree, defaultErr = Parse(raw)
	})
	return defaultTree, defaultErr
}

// Parse builds a tree from a YAML schema document.
func Parse(data []byte) (*Tree, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}

	tree := &Tree{root: newNode()}
	tree.insertAll("Command", doc.Command)
	tree.insertAll("Status", doc.Status)
	tree.insertAll("Configuration", doc.Configuration)
	tree.insertAll("Event", doc.Event)
	return tree, nil
}

func (t *Tree) insertAll(space string, paths []string) {
	for _, path := range paths {
		segments := append([]string{space}, splitPath(path)...)
		n := t.root
		for _, seg := range segments {
			child, ok := n.children[seg]
			if !ok {
				child = newNode()
				n.children[seg] = child
			}
			n = child
		}
		n.terminal = true
	}
}

func splitPath(path string) []string {
	var segments []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' || path[i] == ' ' {
			if i > start {
				segments = append(segments, path[start:i])
			}
			start = i + 1
		}
	}
	return segments
}

// Known reports whether path names a declared leaf.
func (t *Tree) Known(path []string) bool {
	n := t.lookup(path)
	return n != nil && n.terminal
}

// Children returns the declared segments directly below path, sorted.
// A nil result means the path itself is undeclared.
func (t *Tree) Children(path []string) []string {
	n := t.lookup(path)
	if n == nil {
		return nil
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Tree) lookup(path []string) *node {
	n := t.root
	for _, seg := range path {
		child, ok := n.children[seg]
		if !ok {
			return nil
		}
		n = child
	}
	return n
}
