// Package registry tracks the set of peer endpoints admitted by a Connect handshake.
package registry
