package xapi

import (
	"github.com/roomgrid/xapi/internal/backend"
	"github.com/roomgrid/xapi/internal/feedback"
)

// Transport is one live connection to a device. Both transport packages
// return implementations; tests supply their own around a mock backend.
type Transport interface {
	Backend() *backend.Backend
	Close() error
}

// Listener receives feedback event payloads.
type Listener = feedback.Listener

// Callbacks surfaces connection lifecycle events to the application.
type Callbacks struct {
	OnReady func()
	OnError func(err error)
	OnClose func(err error)
}
