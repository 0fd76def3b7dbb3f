package auth

import "fmt"

// ValidationError reports a join request that is missing required fields.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required fields: %v", e.Fields)
}

// ConfigurationError reports missing server-side signing secrets.
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("realtime credentials not configured: missing %v", e.Missing)
}
