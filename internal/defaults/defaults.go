// Package defaults provides embedded copies of the starter configuration
// and model catalog for the mandarin init subcommand.
package defaults

import _ "embed"

//go:embed config.example.yaml
var ConfigYAML []byte

//go:embed models.yaml
var ModelsYAML []byte
