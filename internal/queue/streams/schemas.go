package streams

import "fmt"

const (
	EventRunFinished    = "council.run.finished"
	EventRetentionSwept = "council.retention.swept"

	VersionV1 = "v1"
)

// Definition is one payload schema shipped with the service.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var definitions = []Definition{
	{
		EventType: EventRunFinished,
		Version:   VersionV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["run_id", "outcome", "agents", "responded", "chairman", "started_at", "finished_at", "duration_ms"],
  "properties": {
    "run_id": {"type": "string", "minLength": 1},
    "conversation_id": {"type": "string"},
    "outcome": {"type": "string", "enum": ["done", "cancelled", "error"]},
    "agents": {"type": "array", "items": {"type": "string"}},
    "responded": {"type": "array", "items": {"type": "string"}},
    "chairman": {"type": "string"},
    "error": {"type": "string"},
    "started_at": {"type": "string", "format": "date-time"},
    "finished_at": {"type": "string", "format": "date-time"},
    "duration_ms": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": false
}`),
	},
	{
		EventType: EventRetentionSwept,
		Version:   VersionV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["cutoff", "deleted"],
  "properties": {
    "cutoff": {"type": "string", "format": "date-time"},
    "deleted": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": false
}`),
	},
}

// Definitions returns a copy of the built-in schemas.
func Definitions() []Definition {
	return append([]Definition(nil), definitions...)
}

// NewDefaultRegistry returns a registry loaded with the built-in schemas.
func NewDefaultRegistry() (*SchemaRegistry, error) {
	reg := NewSchemaRegistry()
	for _, def := range definitions {
		if err := reg.Register(def.EventType, def.Version, def.Schema); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", def.EventType, def.Version, err)
		}
	}
	return reg, nil
}
