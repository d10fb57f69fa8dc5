// Package xapi provides a client for the device control API over a
// WebSocket connection or an SSH shell session.
//
// It supports commands, status and configuration reads, configuration
// writes, and feedback subscriptions with hierarchical path matching, with
// request/response correlation handled over either transport.
package xapi
