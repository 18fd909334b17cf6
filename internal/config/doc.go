// Package config loads the convstream YAML configuration.
//
// Values may reference environment variables as ${VAR}; they are expanded
// before parsing so tokens and database passwords can stay out of the file.
package config
