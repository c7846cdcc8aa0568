// Package config loads and validates SmartLock Core configuration.
//
// Configuration comes from a YAML file with hardcoded defaults and
// SMARTLOCK_* environment variable overrides applied on top. The loaded
// Config is immutable after Load returns; components receive the sections
// they need by value at construction time.
package config
