// generate-schema writes the JSON schema of the dittobox configuration file,
// for editor completion and validation of config.yaml.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"
	"github.com/marmos91/dittobox/pkg/config"
)

// reflector keys properties by their YAML names, matching the file format.
func reflector() *jsonschema.Reflector {
	return &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		FieldNameTag:              "yaml",
	}
}

func generate() ([]byte, error) {
	schema := reflector().Reflect(&config.Config{})
	schema.Title = "dittobox Configuration"
	schema.Description = "Configuration schema for the dittobox client"
	schema.Version = "1.0.0"
	return json.MarshalIndent(schema, "", "  ")
}

func main() {
	schemaJSON, err := generate()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling schema: %v\n", err)
		os.Exit(1)
	}

	outputFile := "config.schema.json"
	if len(os.Args) > 1 {
		outputFile = os.Args[1]
	}

	if err := os.WriteFile(outputFile, schemaJSON, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing schema file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Schema written to %s\n", outputFile)
}
