package workflow

import (
	"context"

	"github.com/rs/zerolog"
)

// Echo is a stand-in Invoker for local runs without a workflow engine. It
// returns the input envelope with an empty analysis.
type Echo struct {
	logger zerolog.Logger
}

func NewEcho(logger zerolog.Logger) *Echo {
	return &Echo{logger: logger.With().Str("component", "workflow").Logger()}
}

func (e *Echo) StartSync(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindInfrastructure, Workflow: name, Code: CodeTransport, Err: err}
	}
	e.logger.Warn().Str("workflow", name).Msg("workflow disabled, echoing input")
	out := make(map[string]any, len(input)+1)
	for k, v := range input {
		out[k] = v
	}
	out["bedrockResults"] = map[string]any{
		"status": "ok",
		"data":   map[string]any{"toxics": []any{}},
	}
	return out, nil
}
