// Package console implements the operator command line read from standard input.
// Lines starting with "/" are commands; /quit stops the process.
package console
