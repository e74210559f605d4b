package eunomia

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// PolicySchema returns the JSON Schema of the policy document.
func PolicySchema() ([]byte, error) {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(new(Policy))
	s.Title = "Eunomia MCP policy"
	return json.MarshalIndent(s, "", "  ")
}
