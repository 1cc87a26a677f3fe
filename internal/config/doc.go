// Package config loads kbq configuration.
//
// Precedence, lowest first: built-in defaults, the YAML file named by
// --config, KBQ_* environment variables, then command-line flags applied
// by the CLI.
package config
