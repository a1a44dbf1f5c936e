// Package model defines the provider-agnostic text generation interface used
// by the generate_text built-in tool, together with a deterministic MockModel
// for tests. Provider adapters live in the anthropic and openai subpackages.
package model
