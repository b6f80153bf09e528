// Package config loads application configuration from TALLY_* environment
// variables with validated defaults.
package config
