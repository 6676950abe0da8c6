package node

import "fmt"

// ConfigurationError reports missing or invalid per-call node settings.
// It is raised before any network call.
type ConfigurationError struct {
	Node string
	// Key is the missing setting, or empty when the node has no settings at all.
	Key string
}

func (e *ConfigurationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("configuration for node '%s' is missing", e.Node)
	}
	return fmt.Sprintf("'%s' is required in the configuration for node '%s'", e.Key, e.Node)
}

// UnexpectedContentError reports a content block type the node does not understand.
type UnexpectedContentError struct {
	Type string
}

func (e *UnexpectedContentError) Error() string {
	return fmt.Sprintf("unexpected content block type: %q", e.Type)
}

// ProviderCallError is the failure of a single model attempt.
type ProviderCallError struct {
	Model string
	Err   error
}

func (e *ProviderCallError) Error() string {
	return fmt.Sprintf("model %s: %v", e.Model, e.Err)
}

func (e *ProviderCallError) Unwrap() error { return e.Err }

// FallbackError is returned when both the primary and the secondary model failed.
type FallbackError struct {
	Primary   *ProviderCallError
	Secondary *ProviderCallError
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("both models failed - primary (%s): %v, fallback (%s): %v",
		e.Primary.Model, e.Primary.Err, e.Secondary.Model, e.Secondary.Err)
}

func (e *FallbackError) Unwrap() []error {
	return []error{e.Primary, e.Secondary}
}
