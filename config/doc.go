// Package config loads client and simulated console settings.
//
// Values come from Default, then an optional TOML file, then environment
// overrides. Command line flags are applied by the caller on top.
package config
