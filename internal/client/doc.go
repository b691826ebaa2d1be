// Package client implements the peer side of the relay protocol: the
// Connect and Disconnect handshakes, resent until acknowledged, and Data
// send and receive.
package client
