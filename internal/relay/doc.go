// Package relay implements connection tracking and Data fan-out. One goroutine
// makes all protocol decisions; sends and location writes are dispatched
// concurrently and their failures are isolated from one another.
package relay
