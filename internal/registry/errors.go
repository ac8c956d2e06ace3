package registry

import "fmt"

// UnknownSourceError is returned when no mapping is registered for a source.
type UnknownSourceError struct {
	SourceID string
}

func (e *UnknownSourceError) Error() string {
	return fmt.Sprintf("unknown source %q: no field mapping registered", e.SourceID)
}

// MappingError reports a malformed per-source field mapping.
type MappingError struct {
	SourceID string
	Field    string
	Reason   string
}

func (e *MappingError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("mapping for source %q: %s", e.SourceID, e.Reason)
	}
	return fmt.Sprintf("mapping for source %q field %q: %s", e.SourceID, e.Field, e.Reason)
}

// SchemaError reports an invalid canonical schema.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Field == "" {
		return "canonical schema: " + e.Reason
	}
	return fmt.Sprintf("canonical schema field %q: %s", e.Field, e.Reason)
}
