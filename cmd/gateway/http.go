package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/ddobak/contract-gateway/internal/analysis"
	"github.com/ddobak/contract-gateway/internal/kpi"
	"github.com/ddobak/contract-gateway/internal/store"
	"github.com/ddobak/contract-gateway/internal/workflow"
)

const (
	codeSuccess         = 5000
	codeAnalysisSuccess = 3010
	codeAnalysisEmpty   = 3011

	codeInvalidRequest    = 3100
	codeFileMissing       = 3101
	codeUnsupportedType   = 3102
	codeFileTooLarge      = 3103
	codePolicyViolation   = 3104
	codeProcessingFailed  = 3150
	codeWorkflowFailed    = 3250
	codeWorkflowTimeout   = 3251
	codeEngineUnavailable = 3253
	codeParsingFailed     = 3254
	codeContractNotFound  = 3302

	// multipart parts beyond this stay on disk until read
	formMemoryBytes = 32 << 20
	anonymousUser   = "anonymous"
)

type submitter interface {
	Submit(ctx context.Context, req analysis.Request) (*analysis.Result, error)
}

type gatewayServer struct {
	analysis       submitter
	repo           store.Repository
	kpi            *kpi.Recorder
	maxUploadBytes int64
	logger         zerolog.Logger
}

type apiResponse struct {
	Success   bool   `json:"success"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
}

func (s *gatewayServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/api/v1/contracts/analysis", s.handleSubmitHTTP)
	r.Get("/api/v1/contracts/analysis/{contractId}", s.handleResultHTTP)
	r.Get("/reports/kpi", s.handleKPIHTTP)
	return r
}

func (s *gatewayServer) handleSubmitHTTP(w http.ResponseWriter, r *http.Request) {
	if s.maxUploadBytes > 0 {
		if r.ContentLength > s.maxUploadBytes {
			s.writeError(w, r, http.StatusRequestEntityTooLarge, codeFileTooLarge, fmt.Sprintf("request exceeds %d bytes", s.maxUploadBytes))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(formMemoryBytes); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.writeError(w, r, http.StatusRequestEntityTooLarge, codeFileTooLarge, fmt.Sprintf("request exceeds %d bytes", tooBig.Limit))
			return
		}
		s.writeError(w, r, http.StatusBadRequest, codeInvalidRequest, fmt.Sprintf("invalid form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	files, single := r.MultipartForm.File["files"], r.MultipartForm.File["file"]
	headers := make([]*multipart.FileHeader, 0, len(files)+len(single))
	headers = append(headers, files...)
	headers = append(headers, single...)
	pages := make([]analysis.PageFile, 0, len(headers))
	for _, header := range headers {
		page, err := readPage(header)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, codeInvalidRequest, fmt.Sprintf("read %s: %v", header.Filename, err))
			return
		}
		pages = append(pages, page)
	}

	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if userID == "" {
		userID = anonymousUser
	}
	req := analysis.Request{
		Pages:       pages,
		ClientID:    r.FormValue("clientId"),
		ClientToken: r.FormValue("clientToken"),
		UserID:      userID,
	}
	if strings.TrimSpace(req.ClientID) == "" {
		req.ClientID = userID
	}
	if raw := strings.TrimSpace(r.FormValue("expectedCount")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "expectedCount must be a non-negative integer")
			return
		}
		req.ExpectedCount = &n
	}

	start := time.Now()
	res, err := s.analysis.Submit(r.Context(), req)
	// persistence outlives the client connection
	persistCtx := context.WithoutCancel(r.Context())
	if err != nil {
		var failure *analysis.SubmissionError
		if errors.As(err, &failure) {
			s.kpi.RecordFailure(failure.State.String())
			if saveErr := s.repo.SaveFailure(persistCtx, userID, failure); saveErr != nil {
				s.logger.Error().Err(saveErr).Str("contract_id", failure.ContractID).Msg("failed to record submission failure")
			}
		} else {
			s.kpi.RecordFailure(analysis.StateFailed.String())
		}
		status, code, msg := apiErrorFor(err)
		s.writeError(w, r, status, code, msg)
		return
	}

	s.kpi.RecordSuccess(time.Since(start), len(res.Warnings))
	if err := s.repo.SaveResult(persistCtx, userID, res); err != nil {
		s.logger.Error().Err(err).Str("contract_id", res.ContractID).Msg("failed to persist analysis result")
	}
	code, msg := codeAnalysisSuccess, "Analysis processing completed successfully"
	if len(res.Clauses) == 0 {
		code, msg = codeAnalysisEmpty, "Analysis completed but no significant information found"
	}
	s.writeOK(w, r, code, msg, res)
}

func (s *gatewayServer) handleResultHTTP(w http.ResponseWriter, r *http.Request) {
	contractID := chi.URLParam(r, "contractId")
	rec, err := s.repo.Get(r.Context(), contractID)
	if err != nil {
		status, code, msg := apiErrorFor(err)
		s.writeError(w, r, status, code, msg)
		return
	}
	// the client token is only handed out to the submitter
	if rec.Result != nil {
		copied := *rec.Result
		copied.ClientToken = ""
		rec.Result = &copied
	}
	s.writeOK(w, r, codeSuccess, "Request processed successfully", rec)
}

func (s *gatewayServer) handleKPIHTTP(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.kpi.Snapshot())
}

func readPage(header *multipart.FileHeader) (analysis.PageFile, error) {
	src, err := header.Open()
	if err != nil {
		return analysis.PageFile{}, err
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		return analysis.PageFile{}, err
	}
	return analysis.PageFile{
		Data:        data,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Name:        header.Filename,
	}, nil
}

// apiErrorFor maps submission and lookup errors to an HTTP status and an
// API error code.
func apiErrorFor(err error) (int, int, string) {
	var wfErr *workflow.Error
	switch {
	case errors.Is(err, analysis.ErrTooManyFiles):
		return http.StatusBadRequest, codeInvalidRequest, err.Error()
	case errors.Is(err, analysis.ErrFilesMissing):
		return http.StatusBadRequest, codeFileMissing, err.Error()
	case errors.Is(err, analysis.ErrUnsupportedType):
		return http.StatusBadRequest, codeUnsupportedType, err.Error()
	case errors.Is(err, analysis.ErrFileTooLarge):
		return http.StatusBadRequest, codeFileTooLarge, err.Error()
	case errors.Is(err, analysis.ErrPolicyViolation):
		return http.StatusBadRequest, codePolicyViolation, err.Error()
	case errors.Is(err, analysis.ErrUploadFailed):
		return http.StatusInternalServerError, codeProcessingFailed, "Analysis processing failed"
	case errors.As(err, &wfErr):
		switch {
		case wfErr.TimedOut():
			return http.StatusRequestTimeout, codeWorkflowTimeout, "Analysis timeout"
		case wfErr.Kind == workflow.KindDomain:
			return http.StatusInternalServerError, codeWorkflowFailed, "Step Functions execution failed"
		default:
			return http.StatusServiceUnavailable, codeEngineUnavailable, "Analysis server unavailable"
		}
	case errors.Is(err, analysis.ErrMalformedEnvelope):
		return http.StatusInternalServerError, codeParsingFailed, "Analysis result parsing failed"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, codeContractNotFound, "Contract ID not found"
	default:
		return http.StatusInternalServerError, codeProcessingFailed, "Analysis processing failed"
	}
}

func (s *gatewayServer) writeOK(w http.ResponseWriter, r *http.Request, code int, msg string, data any) {
	writeJSON(w, http.StatusOK, apiResponse{
		Success:   true,
		Code:      code,
		Message:   msg,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		TraceID:   middleware.GetReqID(r.Context()),
	})
}

func (s *gatewayServer) writeError(w http.ResponseWriter, r *http.Request, status, code int, msg string) {
	if status >= http.StatusInternalServerError {
		s.logger.Error().Int("code", code).Str("path", r.URL.Path).Msg(msg)
	}
	writeJSON(w, status, apiResponse{
		Code:      code,
		Message:   msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		TraceID:   middleware.GetReqID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// corsMiddleware allows browser calls to the gateway HTTP API from the app's dev server.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-User-ID")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Type,X-Request-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
