// Package config loads node configuration from a YAML file and the
// SURGE_ environment, with sane defaults for everything tunable.
package config
