// Package defaults provides embedded copies of the default configuration
// and persona files installed by the alice init subcommand.
package defaults

import _ "embed"

// ConfigYAML is the annotated example configuration.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// PersonaMD is the example persona. {USER_NAME} is replaced with the
// configured user name at startup.
//
//go:embed persona.example.md
var PersonaMD []byte
