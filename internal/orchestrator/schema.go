package orchestrator

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaCache avoids recompiling the same structured-task schema on every
// call, the way the teacher's pkg/pluginsdk/validation.go caches compiled
// plugin config schemas.
var schemaCache sync.Map

// ValidateAgainstSchema reports whether output parses as JSON and, when a
// non-empty schema is supplied, conforms to it. Validation is intentionally
// shallow: type, required keys, and array/object membership, delegated to
// the standard validator rather than hand-rolled, but a schema compile or
// validation failure yields validated=false rather than propagating an
// error — an unvalidatable structured response is still a usable response.
func ValidateAgainstSchema(output string, schema []byte) bool {
	var decoded any
	if err := json.Unmarshal([]byte(output), &decoded); err != nil {
		return false
	}
	if len(schema) == 0 {
		return true
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		return false
	}
	return compiled.Validate(decoded) == nil
}

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString("structured-task.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
