package stage

import "fmt"

// ContractError marks a stage violating the framework contract, such as
// overwriting a pipeline context key. These are programmer errors meant to
// surface in tests, not conditions to retry.
type ContractError struct {
	Stage string
	Key   string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("stage %s overwrote context key %q", e.Stage, e.Key)
}

// Context is the key/value state threaded through stages. Keys are
// write-once per pipeline execution; the orchestrator owns the context and
// merges stage outputs into it between stages.
type Context struct {
	values map[string]any
}

// NewContext creates an empty pipeline context.
func NewContext() *Context {
	return &Context{values: map[string]any{}}
}

// Get returns a key's value and whether it is set.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// GetString returns a string value, or "" when absent or not a string.
func (c *Context) GetString(key string) string {
	if v, ok := c.values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Set writes a key. Overwriting an existing key is a contract violation.
func (c *Context) Set(key string, value any) error {
	if _, exists := c.values[key]; exists {
		return &ContractError{Key: key}
	}
	c.values[key] = value
	return nil
}

// Merge applies a stage's output keys. The stage name is carried for
// contract-violation reporting.
func (c *Context) Merge(stageName string, output map[string]any) error {
	for key := range output {
		if _, exists := c.values[key]; exists {
			return &ContractError{Stage: stageName, Key: key}
		}
	}
	for key, value := range output {
		c.values[key] = value
	}
	return nil
}

// Snapshot returns a copy of the current values.
func (c *Context) Snapshot() map[string]any {
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}
