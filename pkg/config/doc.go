// Package config holds warden's single configuration value object.
//
// A Config is built once at startup (Load) from built-in defaults, an
// optional config.toml file, and WARDEN_* environment overrides, in that
// order of precedence. It is then passed to every component constructor so
// that thresholds such as the stale threshold have exactly one source.
package config
