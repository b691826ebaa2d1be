// Package config provides configuration loading and validation for the relay service.
// It handles YAML-based configuration layered over built-in defaults.
package config
