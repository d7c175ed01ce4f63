package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ddobak/contract-gateway/internal/connectors"
	"github.com/ddobak/contract-gateway/internal/dlp"
	"github.com/ddobak/contract-gateway/internal/entityid"
	"github.com/ddobak/contract-gateway/internal/workflow"
)

const maxIDAttempts = 3

// Dependencies are the collaborators of a Service. Scanner is optional.
type Dependencies struct {
	Store   connectors.Store
	IDs     entityid.Generator
	Invoker workflow.Invoker
	Scanner dlp.Scanner
}

type Config struct {
	Bucket        string
	KeyPrefix     string
	UploadWorkers int
	// Workflow defaults to workflow.ContractAnalysis.
	Workflow string
}

// Service runs analysis submissions end to end.
type Service struct {
	store      connectors.Store
	ids        entityid.Generator
	invoker    workflow.Invoker
	scanner    dlp.Scanner
	uploader   *Uploader
	normalizer *Normalizer
	workflow   string
	logger     zerolog.Logger
}

func NewService(deps Dependencies, cfg Config, logger zerolog.Logger) *Service {
	logger = logger.With().Str("component", "analysis").Logger()
	ids := deps.IDs
	if ids == nil {
		ids = entityid.Random{}
	}
	name := cfg.Workflow
	if name == "" {
		name = workflow.ContractAnalysis
	}
	return &Service{
		store:   deps.Store,
		ids:     ids,
		invoker: deps.Invoker,
		scanner: deps.Scanner,
		uploader: NewUploader(deps.Store, UploaderOptions{
			Bucket:    cfg.Bucket,
			KeyPrefix: cfg.KeyPrefix,
			Workers:   cfg.UploadWorkers,
		}, logger),
		normalizer: NewNormalizer(logger),
		workflow:   name,
		logger:     logger,
	}
}

// Uploader exposes the key layout used by the service.
func (s *Service) Uploader() *Uploader {
	return s.uploader
}

// submission tracks one Submit call through its states.
type submission struct {
	state      State
	contractID string
	keys       []string
	started    time.Time
	logger     zerolog.Logger
}

func (sub *submission) enter(state State) {
	sub.state = state
	ev := sub.logger.Info().Str("state", state.String())
	if sub.contractID != "" {
		ev = ev.Str("contract_id", sub.contractID)
	}
	ev.Msg("submission state changed")
}

func (sub *submission) fail(err error) error {
	failed := sub.state
	sub.state = StateFailed
	sub.logger.Error().
		Err(err).
		Str("state", StateFailed.String()).
		Str("failed_in", failed.String()).
		Str("contract_id", sub.contractID).
		Dur("elapsed", time.Since(sub.started)).
		Msg("submission failed")
	return &SubmissionError{
		State:       failed,
		ContractID:  sub.contractID,
		StorageKeys: sub.keys,
		Err:         err,
	}
}

// Submit validates the pages, uploads them under a fresh contract id, runs
// the analysis workflow and normalizes its output. Uploads and the workflow
// call are not cancelled with ctx once started. Failures are *SubmissionError.
func (s *Service) Submit(ctx context.Context, req Request) (*Result, error) {
	sub := &submission{started: time.Now(), logger: s.logger}
	sub.enter(StateValidating)
	if err := Validate(req.Pages); err != nil {
		return nil, sub.fail(err)
	}
	warnings, err := s.scan(ctx, req.Pages)
	if err != nil {
		return nil, sub.fail(err)
	}
	if req.ExpectedCount != nil && *req.ExpectedCount != len(req.Pages) {
		w := NormalizationWarning{
			Field:  "expectedCount",
			Reason: fmt.Sprintf("expected %d pages, received %d", *req.ExpectedCount, len(req.Pages)),
		}
		s.logger.Warn().
			Int("expected", *req.ExpectedCount).
			Int("received", len(req.Pages)).
			Msg("page count mismatch")
		warnings = append(warnings, w)
	}

	contractID, err := s.assignID(ctx, len(req.Pages))
	if err != nil {
		sub.state = StateIDAssigned
		return nil, sub.fail(err)
	}
	sub.contractID = contractID
	sub.enter(StateIDAssigned)

	detached := context.WithoutCancel(ctx)
	sub.keys = s.uploader.Keys(contractID, len(req.Pages))
	sub.enter(StateUploading)
	keys, err := s.uploader.Upload(detached, contractID, req.Pages)
	if err != nil {
		return nil, sub.fail(err)
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = req.UserID
	}
	sub.enter(StateInvoking)
	output, err := s.invoker.StartSync(detached, s.workflow, map[string]any{
		"contractId":  contractID,
		"storageKeys": keys,
		"clientId":    clientID,
		"clientToken": req.ClientToken,
	})
	if err != nil {
		return nil, sub.fail(err)
	}

	sub.enter(StateNormalizing)
	res, err := s.normalizer.Normalize(output)
	if err != nil {
		return nil, sub.fail(err)
	}
	if res.ContractID != contractID {
		warnings = append(warnings, NormalizationWarning{
			Field:  "contractId",
			Reason: fmt.Sprintf("workflow returned %s", res.ContractID),
		})
		res.ContractID = contractID
	}
	if len(res.StorageKeys) == 0 {
		res.StorageKeys = keys
	}
	if res.ClientID == "" {
		res.ClientID = clientID
	}
	if res.ClientToken == "" {
		res.ClientToken = req.ClientToken
	}
	res.Warnings = append(warnings, res.Warnings...)

	sub.enter(StateDone)
	return res, nil
}

// assignID draws contract ids until the first page key is free.
func (s *Service) assignID(ctx context.Context, pages int) (string, error) {
	for attempt := 1; attempt <= maxIDAttempts; attempt++ {
		id := s.ids.NewEntityID(entityid.PrefixContract)
		if !entityid.IsValid(id, entityid.PrefixContract) {
			s.logger.Warn().Str("contract_id", id).Msg("generator produced malformed id")
			continue
		}
		first := s.uploader.Keys(id, pages)[0]
		taken, err := s.store.Exists(ctx, s.uploader.Bucket(), first)
		if err != nil {
			return "", fmt.Errorf("check contract id %s: %w", id, err)
		}
		if !taken {
			return id, nil
		}
		s.logger.Warn().
			Str("contract_id", id).
			Int("attempt", attempt).
			Msg("contract id already in use")
	}
	return "", ErrIDExhausted
}

// scan runs the optional page scanner. In monitor mode violations are only
// reported as warnings.
func (s *Service) scan(ctx context.Context, pages []PageFile) ([]NormalizationWarning, error) {
	if s.scanner == nil {
		return nil, nil
	}
	var warnings []NormalizationWarning
	for i, p := range pages {
		err := s.scanner.ScanPage(ctx, dlp.Page{
			Index:       i + 1,
			Name:        p.Name,
			ContentType: p.ContentType,
			Data:        p.Data,
		})
		if err == nil {
			continue
		}
		var violation *dlp.Violation
		if !errors.As(err, &violation) {
			return nil, fmt.Errorf("scan page %d: %w", i+1, err)
		}
		s.logger.Warn().
			Int("page", i+1).
			Str("rule", violation.Rule).
			Bool("enforced", s.scanner.Enforced()).
			Msg("dlp violation on page")
		if s.scanner.Enforced() {
			return nil, fmt.Errorf("%w: %w", ErrPolicyViolation, violation)
		}
		warnings = append(warnings, NormalizationWarning{
			Field:  fmt.Sprintf("pages[%d]", i+1),
			Reason: violation.Error(),
		})
	}
	return warnings, nil
}
