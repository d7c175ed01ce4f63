package analysis

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ddobak/contract-gateway/internal/connectors"
	"github.com/ddobak/contract-gateway/internal/dlp"
	"github.com/ddobak/contract-gateway/internal/workflow"
)

// sequenceIDs hands out ids in order.
type sequenceIDs struct {
	ids []string
	n   int
}

func (s *sequenceIDs) NewEntityID(byte) string {
	id := s.ids[s.n%len(s.ids)]
	s.n++
	return id
}

type stubInvoker struct {
	output map[string]any
	err    error
	name   string
	input  map[string]any
	ctxErr error
}

func (s *stubInvoker) StartSync(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
	s.name = name
	s.input = input
	s.ctxErr = ctx.Err()
	return s.output, s.err
}

type stubScanner struct {
	enforced bool
	badPage  int
}

func (s stubScanner) ScanPage(_ context.Context, page dlp.Page) error {
	if page.Index == s.badPage {
		return &dlp.Violation{Rule: "av_signature", Detail: "matched"}
	}
	return nil
}

func (s stubScanner) Enforced() bool { return s.enforced }

func newTestService(store connectors.Store, ids []string, inv workflow.Invoker, scanner dlp.Scanner, logs *bytes.Buffer) *Service {
	logger := zerolog.Nop()
	if logs != nil {
		logger = zerolog.New(logs)
	}
	return NewService(Dependencies{
		Store:   store,
		IDs:     &sequenceIDs{ids: ids},
		Invoker: inv,
		Scanner: scanner,
	}, Config{}, logger)
}

func echoOutput(id string) map[string]any {
	return map[string]any{
		"contractId": id,
		"ocrResults": []any{map[string]any{"page": "001", "text": "page one"}},
		"bedrockResults": map[string]any{
			"body": `{"status":"ok","data":{"summary":"fine","toxics":[{"title":"t","warnLevel":"HIGH"}]}}`,
		},
	}
}

func TestSubmitHappyPath(t *testing.T) {
	store := connectors.NewMemoryStore()
	inv := &stubInvoker{output: echoOutput("C1234567")}
	var logs bytes.Buffer
	svc := newTestService(store, []string{"C1234567"}, inv, nil, &logs)

	res, err := svc.Submit(context.Background(), Request{
		Pages:       jpegPages(2),
		ClientToken: "tok",
		UserID:      "U0000001",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.ContractID != "C1234567" || len(res.Clauses) != 1 || *res.Clauses[0].WarnLevel != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	wantKeys := []string{"contract/origin-images/C1234567/001.jpg", "contract/origin-images/C1234567/002.jpg"}
	if len(res.StorageKeys) != 2 || res.StorageKeys[0] != wantKeys[0] || res.StorageKeys[1] != wantKeys[1] {
		t.Fatalf("storage keys should fall back to uploaded keys: %v", res.StorageKeys)
	}
	if res.ClientID != "U0000001" || res.ClientToken != "tok" {
		t.Fatalf("client fields not defaulted: %+v", res)
	}
	if store.Len() != 2 {
		t.Fatalf("expected 2 stored pages, got %d", store.Len())
	}

	if inv.name != workflow.ContractAnalysis {
		t.Fatalf("invoked %q", inv.name)
	}
	if len(inv.input) != 4 || inv.input["contractId"] != "C1234567" || inv.input["clientId"] != "U0000001" {
		t.Fatalf("unexpected workflow input %v", inv.input)
	}
	if keys, ok := inv.input["storageKeys"].([]string); !ok || len(keys) != 2 {
		t.Fatalf("storageKeys input = %v", inv.input["storageKeys"])
	}
	for _, state := range []State{StateValidating, StateIDAssigned, StateUploading, StateInvoking, StateNormalizing, StateDone} {
		if !strings.Contains(logs.String(), `"state":"`+string(state)+`"`) {
			t.Fatalf("transition to %s not logged", state)
		}
	}
}

func TestSubmitWithEchoWorkflowHasNoWarnings(t *testing.T) {
	store := connectors.NewMemoryStore()
	svc := newTestService(store, []string{"C1234567"}, workflow.NewEcho(zerolog.Nop()), nil, nil)

	res, err := svc.Submit(context.Background(), Request{Pages: jpegPages(2), UserID: "U0000001"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("echo output should normalize cleanly: %+v", res.Warnings)
	}
	if len(res.StorageKeys) != 2 || res.Clauses == nil || len(res.Clauses) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSubmitValidationFailure(t *testing.T) {
	inv := &stubInvoker{}
	svc := newTestService(connectors.NewMemoryStore(), []string{"C1234567"}, inv, nil, nil)

	_, err := svc.Submit(context.Background(), Request{Pages: jpegPages(11)})
	var subErr *SubmissionError
	if !errors.As(err, &subErr) || subErr.State != StateValidating || subErr.ContractID != "" {
		t.Fatalf("expected validating failure, got %v", err)
	}
	if !errors.Is(err, ErrTooManyFiles) || !IsValidation(err) {
		t.Fatalf("cause lost: %v", err)
	}
	if inv.name != "" {
		t.Fatalf("workflow must not run")
	}
}

func TestSubmitRegeneratesTakenID(t *testing.T) {
	ctx := context.Background()
	store := connectors.NewMemoryStore()
	_ = store.Put(ctx, "", "contract/origin-images/C1111111/001.jpg", strings.NewReader("old"), 3)
	inv := &stubInvoker{output: echoOutput("C2222222")}
	svc := newTestService(store, []string{"C1111111", "C2222222"}, inv, nil, nil)

	res, err := svc.Submit(ctx, Request{Pages: jpegPages(1)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.ContractID != "C2222222" {
		t.Fatalf("expected second id, got %s", res.ContractID)
	}
}

func TestSubmitIDExhausted(t *testing.T) {
	ctx := context.Background()
	store := connectors.NewMemoryStore()
	_ = store.Put(ctx, "", "contract/origin-images/C1111111/001.jpg", strings.NewReader("old"), 3)
	svc := newTestService(store, []string{"C1111111", "bad"}, &stubInvoker{}, nil, nil)

	_, err := svc.Submit(ctx, Request{Pages: jpegPages(1)})
	var subErr *SubmissionError
	if !errors.As(err, &subErr) || subErr.State != StateIDAssigned || !errors.Is(err, ErrIDExhausted) {
		t.Fatalf("expected id exhaustion, got %v", err)
	}
}

func TestSubmitUploadFailureCarriesKeys(t *testing.T) {
	store := newHookStore(func(key string) error {
		if strings.HasSuffix(key, "/002.jpg") {
			return errors.New("throttled")
		}
		return nil
	})
	inv := &stubInvoker{}
	svc := newTestService(store, []string{"C1234567"}, inv, nil, nil)

	_, err := svc.Submit(context.Background(), Request{Pages: jpegPages(3)})
	var subErr *SubmissionError
	if !errors.As(err, &subErr) || subErr.State != StateUploading {
		t.Fatalf("expected uploading failure, got %v", err)
	}
	if subErr.ContractID != "C1234567" || len(subErr.StorageKeys) != 3 {
		t.Fatalf("failure should carry attempted keys: %+v", subErr)
	}
	var upErr *UploadError
	if !errors.As(err, &upErr) || upErr.Index != 2 {
		t.Fatalf("expected page 2 failure, got %v", err)
	}
	if inv.name != "" {
		t.Fatalf("workflow must not run after upload failure")
	}
}

func TestSubmitWorkflowFailure(t *testing.T) {
	inv := &stubInvoker{err: &workflow.Error{Kind: workflow.KindDomain, Workflow: workflow.ContractAnalysis, Code: workflow.CodeFailed}}
	svc := newTestService(connectors.NewMemoryStore(), []string{"C1234567"}, inv, nil, nil)

	_, err := svc.Submit(context.Background(), Request{Pages: jpegPages(1)})
	var subErr *SubmissionError
	if !errors.As(err, &subErr) || subErr.State != StateInvoking {
		t.Fatalf("expected invoking failure, got %v", err)
	}
	if !errors.Is(err, workflow.ErrDomain) {
		t.Fatalf("workflow kind lost: %v", err)
	}
}

func TestSubmitMalformedOutput(t *testing.T) {
	inv := &stubInvoker{output: map[string]any{"storageKeys": []any{"k"}}}
	svc := newTestService(connectors.NewMemoryStore(), []string{"C1234567"}, inv, nil, nil)

	_, err := svc.Submit(context.Background(), Request{Pages: jpegPages(1)})
	var subErr *SubmissionError
	if !errors.As(err, &subErr) || subErr.State != StateNormalizing || !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected normalizing failure, got %v", err)
	}
}

func TestSubmitExpectedCountMismatchWarns(t *testing.T) {
	inv := &stubInvoker{output: echoOutput("C1234567")}
	svc := newTestService(connectors.NewMemoryStore(), []string{"C1234567"}, inv, nil, nil)

	expected := 3
	res, err := svc.Submit(context.Background(), Request{Pages: jpegPages(2), ExpectedCount: &expected})
	if err != nil {
		t.Fatalf("mismatch must not fail: %v", err)
	}
	if !hasWarning(res, "expectedCount") {
		t.Fatalf("expected expectedCount warning, got %+v", res.Warnings)
	}
}

func TestSubmitPolicyViolation(t *testing.T) {
	t.Run("enforced", func(t *testing.T) {
		store := connectors.NewMemoryStore()
		svc := newTestService(store, []string{"C1234567"}, &stubInvoker{}, stubScanner{enforced: true, badPage: 2}, nil)
		_, err := svc.Submit(context.Background(), Request{Pages: jpegPages(2)})
		if !errors.Is(err, ErrPolicyViolation) {
			t.Fatalf("expected policy violation, got %v", err)
		}
		var violation *dlp.Violation
		if !errors.As(err, &violation) || violation.Rule != "av_signature" {
			t.Fatalf("violation detail lost: %v", err)
		}
		if store.Len() != 0 {
			t.Fatalf("nothing should be uploaded")
		}
	})

	t.Run("monitor", func(t *testing.T) {
		inv := &stubInvoker{output: echoOutput("C1234567")}
		svc := newTestService(connectors.NewMemoryStore(), []string{"C1234567"}, inv, stubScanner{badPage: 1}, nil)
		res, err := svc.Submit(context.Background(), Request{Pages: jpegPages(2)})
		if err != nil {
			t.Fatalf("monitor mode must not fail: %v", err)
		}
		if !hasWarning(res, "pages[1]") {
			t.Fatalf("expected page warning, got %+v", res.Warnings)
		}
	})
}

func TestSubmitIgnoresCallerCancellationAfterStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := newHookStore(func(string) error {
		cancel()
		return nil
	})
	inv := &stubInvoker{output: echoOutput("C1234567")}
	svc := newTestService(store, []string{"C1234567"}, inv, nil, nil)

	if _, err := svc.Submit(ctx, Request{Pages: jpegPages(3)}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if inv.ctxErr != nil {
		t.Fatalf("workflow saw a cancelled context: %v", inv.ctxErr)
	}
	if store.Len() != 3 {
		t.Fatalf("all pages should be uploaded, got %d", store.Len())
	}
}
