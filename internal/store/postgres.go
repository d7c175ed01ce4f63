package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ddobak/contract-gateway/internal/analysis"
	"github.com/ddobak/contract-gateway/internal/entityid"
)

// Postgres stores contracts, their analysis, flagged clauses and OCR pages.
type Postgres struct {
	db  *pgxpool.Pool
	ids entityid.Generator
}

func NewPostgres(db *pgxpool.Pool, ids entityid.Generator) *Postgres {
	if ids == nil {
		ids = entityid.Random{}
	}
	return &Postgres{db: db, ids: ids}
}

// Connect opens a pool for dsn and applies the schema.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return pool, nil
}

func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
        CREATE TABLE IF NOT EXISTS contracts (
            id TEXT PRIMARY KEY,
            user_id TEXT NOT NULL,
            client_id TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL,
            storage_keys TEXT[] NOT NULL DEFAULT '{}',
            failed_state TEXT NOT NULL DEFAULT '',
            error TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
        CREATE INDEX IF NOT EXISTS contracts_cleanup_idx ON contracts (status, updated_at);
        CREATE TABLE IF NOT EXISTS contract_analyses (
            id TEXT PRIMARY KEY,
            contract_id TEXT UNIQUE NOT NULL REFERENCES contracts(id) ON DELETE CASCADE,
            client_token TEXT NOT NULL DEFAULT '',
            origin_content TEXT,
            summary TEXT,
            has_commentary BOOLEAN NOT NULL DEFAULT FALSE,
            overall_comment TEXT,
            warning_comment TEXT,
            advice TEXT,
            warnings JSONB NOT NULL DEFAULT '[]',
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
        CREATE TABLE IF NOT EXISTS toxic_clauses (
            id TEXT PRIMARY KEY,
            analysis_id TEXT NOT NULL REFERENCES contract_analyses(id) ON DELETE CASCADE,
            position INT NOT NULL,
            title TEXT NOT NULL,
            clause TEXT NOT NULL,
            reason TEXT NOT NULL,
            reason_reference TEXT NOT NULL,
            warn_level INT
        );
        CREATE TABLE IF NOT EXISTS ocr_results (
            id TEXT PRIMARY KEY,
            contract_id TEXT NOT NULL REFERENCES contracts(id) ON DELETE CASCADE,
            page INT NOT NULL,
            text TEXT NOT NULL,
            source_key TEXT NOT NULL DEFAULT ''
        );`
	_, err := pool.Exec(ctx, stmt)
	return err
}

func (p *Postgres) SaveResult(ctx context.Context, userID string, res *analysis.Result) error {
	warnings, err := json.Marshal(res.Warnings)
	if err != nil {
		return fmt.Errorf("encode warnings: %w", err)
	}
	if res.Warnings == nil {
		warnings = []byte("[]")
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := upsertContract(ctx, tx, res.ContractID, userID, res.ClientID, StatusAnalyzed, res.StorageKeys, "", ""); err != nil {
		return err
	}
	// a resubmitted result replaces the previous analysis
	if _, err := tx.Exec(ctx, `DELETE FROM contract_analyses WHERE contract_id=$1`, res.ContractID); err != nil {
		return fmt.Errorf("clear analysis: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM ocr_results WHERE contract_id=$1`, res.ContractID); err != nil {
		return fmt.Errorf("clear ocr results: %w", err)
	}

	analysisID := p.ids.NewEntityID(entityid.PrefixAnalysis)
	var overall, warning, advice *string
	if c := res.Commentary; c != nil {
		overall, warning, advice = c.Overall, c.Warning, c.Advice
	}
	_, err = tx.Exec(ctx, `
INSERT INTO contract_analyses(id,contract_id,client_token,origin_content,summary,has_commentary,overall_comment,warning_comment,advice,warnings)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::jsonb)`,
		analysisID, res.ContractID, res.ClientToken, res.OriginContent, res.Summary,
		res.Commentary != nil, overall, warning, advice, string(warnings))
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}

	for i, c := range res.Clauses {
		_, err := tx.Exec(ctx, `
INSERT INTO toxic_clauses(id,analysis_id,position,title,clause,reason,reason_reference,warn_level)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
			p.ids.NewEntityID(entityid.PrefixToxicClause), analysisID, i, c.Title, c.Clause, c.Reason, c.ReasonReference, c.WarnLevel)
		if err != nil {
			return fmt.Errorf("insert clause %d: %w", i, err)
		}
	}
	for _, page := range res.Pages {
		_, err := tx.Exec(ctx, `INSERT INTO ocr_results(id,contract_id,page,text,source_key) VALUES($1,$2,$3,$4,$5)`,
			p.ids.NewEntityID(entityid.PrefixOcrResult), res.ContractID, page.Page, page.Text, page.SourceKey)
		if err != nil {
			return fmt.Errorf("insert ocr page %d: %w", page.Page, err)
		}
	}
	return tx.Commit(ctx)
}

func (p *Postgres) SaveFailure(ctx context.Context, userID string, failure *analysis.SubmissionError) error {
	if failure.ContractID == "" {
		return nil
	}
	status := StatusFailed
	if !needsCleanup(failure) {
		status = StatusCleaned
	}
	return upsertContract(ctx, p.db, failure.ContractID, userID, "", status, failure.StorageKeys, failure.State.String(), failureMessage(failure))
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func upsertContract(ctx context.Context, db execer, id, userID, clientID string, status Status, keys []string, failedState, msg string) error {
	if keys == nil {
		keys = []string{}
	}
	const query = `
        INSERT INTO contracts (id, user_id, client_id, status, storage_keys, failed_state, error, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
        ON CONFLICT (id)
        DO UPDATE SET user_id = EXCLUDED.user_id, client_id = EXCLUDED.client_id, status = EXCLUDED.status,
            storage_keys = EXCLUDED.storage_keys, failed_state = EXCLUDED.failed_state,
            error = EXCLUDED.error, updated_at = NOW();`
	if _, err := db.Exec(ctx, query, id, userID, clientID, string(status), keys, failedState, msg); err != nil {
		return fmt.Errorf("upsert contract %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, contractID string) (*Record, error) {
	rec := Record{}
	var status string
	err := p.db.QueryRow(ctx, `
SELECT id,user_id,client_id,status,storage_keys,failed_state,error,created_at,updated_at
FROM contracts
WHERE id=$1`, contractID).Scan(&rec.ContractID, &rec.UserID, &rec.ClientID, &status, &rec.StorageKeys,
		&rec.FailedState, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load contract %s: %w", contractID, err)
	}
	rec.Status = Status(status)
	if rec.Status != StatusAnalyzed {
		return &rec, nil
	}

	res, err := p.loadResult(ctx, &rec)
	if err != nil {
		return nil, err
	}
	rec.Result = res
	return &rec, nil
}

func (p *Postgres) loadResult(ctx context.Context, rec *Record) (*analysis.Result, error) {
	res := &analysis.Result{
		ContractID:  rec.ContractID,
		StorageKeys: rec.StorageKeys,
		ClientID:    rec.ClientID,
		Pages:       []analysis.OcrPage{},
		Clauses:     []analysis.ToxicClause{},
	}
	var (
		analysisID    string
		hasCommentary bool
		commentary    analysis.Commentary
		warnings      []byte
	)
	err := p.db.QueryRow(ctx, `
SELECT id,client_token,origin_content,summary,has_commentary,overall_comment,warning_comment,advice,warnings
FROM contract_analyses
WHERE contract_id=$1`, rec.ContractID).Scan(&analysisID, &res.ClientToken, &res.OriginContent, &res.Summary,
		&hasCommentary, &commentary.Overall, &commentary.Warning, &commentary.Advice, &warnings)
	if errors.Is(err, pgx.ErrNoRows) {
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load analysis %s: %w", rec.ContractID, err)
	}
	if hasCommentary {
		res.Commentary = &commentary
	}
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &res.Warnings); err != nil {
			return nil, fmt.Errorf("decode warnings: %w", err)
		}
	}

	rows, err := p.db.Query(ctx, `
SELECT title,clause,reason,reason_reference,warn_level
FROM toxic_clauses
WHERE analysis_id=$1
ORDER BY position ASC`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("load clauses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c analysis.ToxicClause
		if err := rows.Scan(&c.Title, &c.Clause, &c.Reason, &c.ReasonReference, &c.WarnLevel); err != nil {
			return nil, err
		}
		res.Clauses = append(res.Clauses, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	pages, err := p.db.Query(ctx, `SELECT page,text,source_key FROM ocr_results WHERE contract_id=$1 ORDER BY page ASC`, rec.ContractID)
	if err != nil {
		return nil, fmt.Errorf("load ocr results: %w", err)
	}
	defer pages.Close()
	for pages.Next() {
		var page analysis.OcrPage
		if err := pages.Scan(&page.Page, &page.Text, &page.SourceKey); err != nil {
			return nil, err
		}
		res.Pages = append(res.Pages, page)
	}
	return res, pages.Err()
}

func (p *Postgres) PendingCleanup(ctx context.Context, before time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.Query(ctx, `
SELECT id,user_id,client_id,status,storage_keys,failed_state,error,created_at,updated_at
FROM contracts
WHERE status=$1 AND cardinality(storage_keys) > 0 AND updated_at < $2
ORDER BY updated_at ASC
LIMIT $3`, string(StatusFailed), before, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending cleanup: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var status string
		if err := rows.Scan(&rec.ContractID, &rec.UserID, &rec.ClientID, &status, &rec.StorageKeys,
			&rec.FailedState, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Status = Status(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkCleaned(ctx context.Context, contractID string) error {
	tag, err := p.db.Exec(ctx, `UPDATE contracts SET status=$1, updated_at=NOW() WHERE id=$2`, string(StatusCleaned), contractID)
	if err != nil {
		return fmt.Errorf("mark cleaned %s: %w", contractID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
