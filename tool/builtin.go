package tool

import (
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/model"
)

// Echo returns its message parameter unchanged.
func Echo() Definition {
	return Definition{
		Tool: core.Tool{
			Name:        "echo",
			Description: "Return the given message.",
			Parameters: []core.ToolParameter{
				{Name: "message", Type: "string", Description: "Text to return", Required: true},
			},
		},
		Handler: HandlerFunc(func(_ *Context, args map[string]any) (any, error) {
			return args["message"], nil
		}),
	}
}

// Sleep waits for the given duration or until the call is cancelled.
func Sleep() Definition {
	return Definition{
		Tool: core.Tool{
			Name:        "sleep",
			Description: "Wait for a duration such as 500ms or 2s.",
			Parameters: []core.ToolParameter{
				{Name: "duration", Type: "string", Description: "Go duration string", Required: true},
			},
		},
		Handler: HandlerFunc(func(tc *Context, args map[string]any) (any, error) {
			d, err := time.ParseDuration(args["duration"].(string))
			if err != nil {
				return nil, core.NewValidationError("sleep", "invalid duration", err)
			}
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return d.String(), nil
			case <-tc.Done():
				return nil, tc.Err()
			}
		}),
	}
}

// Shell runs a command inside the leased sandbox. A non-zero exit code is an
// EXECUTION_ERROR carrying stderr.
func Shell() Definition {
	return Definition{
		Tool: core.Tool{
			Name:            "shell",
			Description:     "Run a shell command in an isolated sandbox.",
			RequiresSandbox: true,
			Parameters: []core.ToolParameter{
				{Name: "command", Type: "string", Description: "Command line passed to the shell", Required: true},
			},
		},
		Handler: HandlerFunc(func(tc *Context, args map[string]any) (any, error) {
			sb := tc.Sandbox()
			if sb == nil {
				return nil, core.NewToolError(core.KindSandbox, "shell", "no sandbox attached", nil)
			}
			exec, err := sb.Execute(tc, args["command"].(string))
			if err != nil {
				return nil, err
			}
			out := map[string]any{
				"stdout":    exec.Output,
				"stderr":    exec.ErrorOutput,
				"exit_code": exec.ExitCode,
			}
			if exec.ExitCode != 0 {
				msg := strings.TrimSpace(exec.ErrorOutput)
				if msg == "" {
					msg = "command failed"
				}
				return out, core.NewToolError(core.KindExecution, "shell", fmt.Sprintf("exit code %d: %s", exec.ExitCode, msg), nil)
			}
			return out, nil
		}),
	}
}

// GenerateText calls m with the prompt parameter and returns the completion
// text.
func GenerateText(m model.Model) Definition {
	info := m.Info()
	return Definition{
		Tool: core.Tool{
			Name:        "generate_text",
			Description: fmt.Sprintf("Generate text with %s (%s).", info.Name, info.Provider),
			Parameters: []core.ToolParameter{
				{Name: "prompt", Type: "string", Description: "User prompt", Required: true},
				{Name: "system", Type: "string", Description: "Optional system instructions"},
				{Name: "max_tokens", Type: "integer", Description: "Completion token limit"},
			},
			DefaultTimeout: 2 * time.Minute,
		},
		Handler: HandlerFunc(func(tc *Context, args map[string]any) (any, error) {
			req := model.Request{Prompt: args["prompt"].(string)}
			if s, ok := args["system"].(string); ok {
				req.System = s
			}
			if n, ok := toInt64(args["max_tokens"]); ok {
				req.MaxTokens = n
			}
			resp, err := m.Generate(tc, req)
			if err != nil {
				return nil, err
			}
			tc.Logger().Debug("tool.generate_text.usage",
				"model", info.Name,
				"prompt_tokens", resp.Usage.PromptTokens,
				"completion_tokens", resp.Usage.CompletionTokens,
			)
			return resp.Text, nil
		}),
	}
}

// Builtins returns the tools that need no external configuration.
func Builtins() []Definition {
	return []Definition{Echo(), Sleep(), Shell()}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
