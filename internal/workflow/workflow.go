// Package workflow starts external analysis workflows and waits for their
// terminal output.
package workflow

import "context"

// ContractAnalysis is the OCR + risk analysis pipeline.
const ContractAnalysis = "contract_analysis"

// Invoker runs a named workflow synchronously. Implementations block until the
// workflow terminates or their timeout elapses, and return the raw terminal
// output as a JSON-compatible tree. Failures are reported as *Error.
type Invoker interface {
	StartSync(ctx context.Context, name string, input map[string]any) (map[string]any, error)
}
