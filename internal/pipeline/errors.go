package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"evidence-pipeline/internal/registry"
)

// CyclicIndicatorError is returned when indicator definitions depend on each
// other in a loop. Cycle starts and ends with the same indicator.
type CyclicIndicatorError struct {
	Cycle []string
}

func (e *CyclicIndicatorError) Error() string {
	return "cyclic indicator dependency: " + strings.Join(e.Cycle, " -> ")
}

// DefinitionError reports an indicator definition that cannot be evaluated.
type DefinitionError struct {
	Indicator string
	Reason    string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("indicator %q: %s", e.Indicator, e.Reason)
}

// IsFatal reports whether err is a configuration error that aborts a run,
// as opposed to cancellation or an I/O failure around the engine.
func IsFatal(err error) bool {
	var (
		unknown *registry.UnknownSourceError
		mapping *registry.MappingError
		schema  *registry.SchemaError
		cyclic  *CyclicIndicatorError
		def     *DefinitionError
	)
	return errors.As(err, &unknown) ||
		errors.As(err, &mapping) ||
		errors.As(err, &schema) ||
		errors.As(err, &cyclic) ||
		errors.As(err, &def)
}
