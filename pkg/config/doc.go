// Package config loads the audit trail configuration from a YAML file with
// AUDIT_* environment overrides.
package config
