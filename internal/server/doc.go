// Package server implements the relay's UDP socket and the HTTP monitoring API.
// The UDP server reads on one goroutine and dispatches to the relay engine on
// another, preserving arrival order.
package server
