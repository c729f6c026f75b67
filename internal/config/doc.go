// Package config loads the report service configuration from YAML or JSON
// files and resolves upstream credentials from the environment.
package config
