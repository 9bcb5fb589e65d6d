package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// ArgsSchema reflects a JSON schema from a typed argument struct. Fields
// are required unless their json tag carries omitempty; descriptions come
// from jsonschema struct tags. Panics on unmarshalable types, which is a
// programming error caught the first time the tool is registered.
func ArgsSchema[A any]() json.RawMessage {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	var a A
	schema := r.Reflect(&a)
	schema.Version = ""
	b, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("reflect args schema: %v", err))
	}
	return b
}

// Typed adapts a function taking a typed argument struct to HandlerFunc.
// Registry validation runs before decoding, so a decode failure here means
// the schema and the struct disagree.
func Typed[A any](fn func(ctx context.Context, args A) (string, error)) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (string, error) {
		var args A
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("decode args: %w", err)
			}
		}
		return fn(ctx, args)
	}
}
