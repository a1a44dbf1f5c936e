package tool

import (
	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/internal/util"
)

// NewFunction exposes a plain Go function as a tool definition.
//
// The schema follows the minimal JSON Schema subset understood by the
// Invoker (type, properties, required, enum, default). Arguments reach fn
// already validated and with defaults applied. fn may return *core.ToolError
// to choose the error kind; any other error is an EXECUTION_ERROR.
//
// Example:
//
//	sum := tool.NewFunction(
//	  "calculate_sum",
//	  "Calculate the sum of two numbers",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "a": map[string]any{"type": "number"},
//	      "b": map[string]any{"type": "number"},
//	    },
//	    "required": []string{"a", "b"},
//	  },
//	  func(tc *tool.Context, args map[string]any) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	  },
//	)
func NewFunction(name, description string, schema map[string]any, fn HandlerFunc) Definition {
	return Definition{
		Tool: core.Tool{
			Name:        name,
			Description: description,
			Schema:      schema,
		},
		Handler: fn,
	}
}

// NewFunctionFromStruct derives the parameter schema from a struct using
// reflection. Fields without omitempty are required.
//
//	type SumArgs struct {
//	  A float64 `json:"a" description:"First addend"`
//	  B float64 `json:"b" description:"Second addend"`
//	}
func NewFunctionFromStruct(name, description string, structType any, fn HandlerFunc) Definition {
	return NewFunction(name, description, util.CreateSchema(structType), fn)
}
