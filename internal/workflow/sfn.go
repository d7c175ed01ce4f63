package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sfn/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a synchronous execution when none is configured.
const DefaultTimeout = 15 * time.Minute

// SyncExecutionAPI is the part of *sfn.Client used by StepFunctions.
type SyncExecutionAPI interface {
	StartSyncExecution(ctx context.Context, in *sfn.StartSyncExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartSyncExecutionOutput, error)
}

// StepFunctions runs workflows as AWS Step Functions express state machines.
type StepFunctions struct {
	client   SyncExecutionAPI
	machines map[string]string
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewStepFunctions maps workflow names to state machine ARNs.
func NewStepFunctions(client SyncExecutionAPI, machines map[string]string, timeout time.Duration, logger zerolog.Logger) *StepFunctions {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &StepFunctions{
		client:   client,
		machines: machines,
		timeout:  timeout,
		logger:   logger.With().Str("component", "workflow").Logger(),
	}
}

// NewStepFunctionsFromConfig builds the sfn client from the default AWS config chain.
func NewStepFunctionsFromConfig(ctx context.Context, machines map[string]string, timeout time.Duration, logger zerolog.Logger) (*StepFunctions, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	// a retried call would start a second execution
	client := sfn.NewFromConfig(cfg, func(o *sfn.Options) {
		o.RetryMaxAttempts = 1
	})
	return NewStepFunctions(client, machines, timeout, logger), nil
}

func (s *StepFunctions) StartSync(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
	arn, ok := s.machines[name]
	if !ok || arn == "" {
		return nil, &Error{Kind: KindInfrastructure, Workflow: name, Code: CodeUnknownWorkflow, Err: ErrUnknownWorkflow}
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, &Error{Kind: KindInfrastructure, Workflow: name, Code: CodeInvalidInput, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	execName := fmt.Sprintf("%s-%s", name, uuid.NewString())
	started := time.Now()
	s.logger.Info().
		Str("workflow", name).
		Str("execution", execName).
		Msg("starting sync execution")

	out, err := s.client.StartSyncExecution(ctx, &sfn.StartSyncExecutionInput{
		StateMachineArn: aws.String(arn),
		Name:            aws.String(execName),
		Input:           aws.String(string(payload)),
	})
	if err != nil {
		code := CodeTransport
		if errors.Is(err, context.DeadlineExceeded) {
			code = CodeTimedOut
		}
		return nil, &Error{Kind: KindInfrastructure, Workflow: name, Code: code, Err: err}
	}

	log := s.logger.With().
		Str("workflow", name).
		Str("execution", execName).
		Str("status", string(out.Status)).
		Dur("elapsed", time.Since(started)).
		Logger()

	switch out.Status {
	case types.SyncExecutionStatusSucceeded:
	case types.SyncExecutionStatusTimedOut:
		log.Warn().Msg("sync execution timed out")
		return nil, domainError(name, CodeTimedOut, out)
	case types.SyncExecutionStatusFailed:
		log.Warn().Str("error", aws.ToString(out.Error)).Msg("sync execution failed")
		return nil, domainError(name, CodeFailed, out)
	default:
		return nil, domainError(name, CodeAborted, out)
	}

	result, err := decodeOutput(aws.ToString(out.Output))
	if err != nil {
		return nil, &Error{Kind: KindInfrastructure, Workflow: name, Code: CodeInvalidOutput, Err: err}
	}
	log.Info().Msg("sync execution finished")
	return result, nil
}

func domainError(name, code string, out *sfn.StartSyncExecutionOutput) *Error {
	e := &Error{Kind: KindDomain, Workflow: name, Code: code, Cause: aws.ToString(out.Cause)}
	if msg := aws.ToString(out.Error); msg != "" {
		e.Err = errors.New(msg)
	}
	return e
}

// decodeOutput keeps numbers as json.Number so integral page numbers and
// levels survive without float rounding.
func decodeOutput(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var result map[string]any
	if err := dec.Decode(&result); err != nil {
		return nil, fmt.Errorf("decode execution output: %w", err)
	}
	if result == nil {
		result = map[string]any{}
	}
	return result, nil
}
