// Package config loads, normalizes, and validates matchscope configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, loads optional .env files, and honours
// MATCHSCOPE_* environment overrides for secrets. The Config type centralizes
// every knob the dispatcher, admission controller, stage executors and CLI
// need so they receive one validated value at construction time.
package config
