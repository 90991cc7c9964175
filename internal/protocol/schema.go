package protocol

import (
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"

	"agentcoord/internal/domain"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	schemasOnce sync.Once
	schemas     map[domain.MessageKind]*gojsonschema.Schema
	schemasErr  error
)

func loadSchemas() (map[domain.MessageKind]*gojsonschema.Schema, error) {
	schemasOnce.Do(func() {
		entries, err := schemaFS.ReadDir("schemas")
		if err != nil {
			schemasErr = fmt.Errorf("read payload schemas: %w", err)
			return
		}
		out := make(map[domain.MessageKind]*gojsonschema.Schema, len(entries))
		for _, entry := range entries {
			raw, err := schemaFS.ReadFile(path.Join("schemas", entry.Name()))
			if err != nil {
				schemasErr = fmt.Errorf("read schema %s: %w", entry.Name(), err)
				return
			}
			schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
			if err != nil {
				schemasErr = fmt.Errorf("compile schema %s: %w", entry.Name(), err)
				return
			}
			out[domain.MessageKind(strings.TrimSuffix(entry.Name(), ".json"))] = schema
		}
		schemas = out
	})
	return schemas, schemasErr
}

// HasSchema reports whether payloads of kind are checked by ValidatePayload.
func HasSchema(kind domain.MessageKind) bool {
	all, err := loadSchemas()
	if err != nil {
		return false
	}
	_, ok := all[kind]
	return ok
}

// ValidatePayload checks the payload of msg against the schema registered for
// its kind. Kinds without a schema pass.
func ValidatePayload(msg domain.Message) error {
	all, err := loadSchemas()
	if err != nil {
		return err
	}
	schema, ok := all[msg.Kind]
	if !ok {
		return nil
	}

	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", msg.Kind, err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("validate %s payload: %w", msg.Kind, err)
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return domain.Invalid("message", msg.ID, fmt.Sprintf("%s payload: %s", msg.Kind, strings.Join(problems, "; ")))
}
