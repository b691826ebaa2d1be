// Package protocol implements the relay wire format: a single tag byte selecting one of five
// message kinds, the JSON location record carried by Disconnect, and the 2-byte acknowledgments.
package protocol
