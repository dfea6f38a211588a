package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"imgstudio/internal/domain"
	"imgstudio/internal/infra"
	"imgstudio/internal/sqlinline"
)

const defaultListLimit = 20

// BatchRepositoryPG archives finalized batches in PostgreSQL.
type BatchRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewBatchRepository constructs the repository.
func NewBatchRepository(sql infra.SQLExecutor) *BatchRepositoryPG {
	return &BatchRepositoryPG{sql: sql}
}

// Save upserts the batch keyed by request id. A row owned by another session
// is left untouched and Save reports domain.ErrInvalidRequest.
func (r *BatchRepositoryPG) Save(ctx context.Context, b domain.BatchSnapshot) error {
	results, err := json.Marshal(nonNil(b.Results))
	if err != nil {
		return fmt.Errorf("repo: encode results: %w", err)
	}
	errs, err := json.Marshal(nonNil(b.Errors))
	if err != nil {
		return fmt.Errorf("repo: encode errors: %w", err)
	}
	attempts, err := json.Marshal(nonNil(b.Attempts))
	if err != nil {
		return fmt.Errorf("repo: encode attempts: %w", err)
	}
	createdAt := b.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tag, err := r.sql.Exec(ctx, sqlinline.QUpsertBatch,
		b.RequestID,
		b.SessionID,
		string(b.Status),
		b.Total,
		b.Succeeded,
		b.Failed,
		b.Instruction,
		b.Country,
		string(results),
		string(errs),
		string(attempts),
		createdAt,
		b.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("repo: save batch %s: %w", b.RequestID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("repo: save batch %s: owned by another session: %w", b.RequestID, domain.ErrInvalidRequest)
	}
	return nil
}

// Get returns domain.ErrNotFound when the request id was never archived.
func (r *BatchRepositoryPG) Get(ctx context.Context, requestID string) (*domain.BatchSnapshot, error) {
	b, err := scanBatch(r.sql.QueryRow(ctx, sqlinline.QGetBatch, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repo: get batch %s: %w", requestID, err)
	}
	return b, nil
}

// ListBySession returns the newest archived batches of a session.
func (r *BatchRepositoryPG) ListBySession(ctx context.Context, sessionID string, limit int) ([]domain.BatchSnapshot, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.sql.Query(ctx, sqlinline.QListSessionBatches, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("repo: list batches: %w", err)
	}
	defer rows.Close()

	var out []domain.BatchSnapshot
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("repo: list batches: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// Purge deletes batches finished before cutoff and reports how many went.
func (r *BatchRepositoryPG) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.sql.Exec(ctx, sqlinline.QPurgeBatches, cutoff)
	if err != nil {
		return 0, fmt.Errorf("repo: purge batches: %w", err)
	}
	return tag.RowsAffected(), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBatch(row scanner) (*domain.BatchSnapshot, error) {
	var (
		b                       domain.BatchSnapshot
		status                  string
		results, errs, attempts []byte
		finishedAt              *time.Time
	)
	if err := row.Scan(
		&b.RequestID,
		&b.SessionID,
		&status,
		&b.Total,
		&b.Succeeded,
		&b.Failed,
		&b.Instruction,
		&b.Country,
		&results,
		&errs,
		&attempts,
		&b.CreatedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}
	b.Status = domain.BatchStatus(status)
	b.Completed = b.Succeeded + b.Failed
	b.FinishedAt = finishedAt
	if err := decodeJSON(results, &b.Results); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	if err := decodeJSON(errs, &b.Errors); err != nil {
		return nil, fmt.Errorf("decode errors: %w", err)
	}
	if err := decodeJSON(attempts, &b.Attempts); err != nil {
		return nil, fmt.Errorf("decode attempts: %w", err)
	}
	if b.Results == nil {
		b.Results = []domain.ImageResult{}
	}
	if b.Errors == nil {
		b.Errors = []domain.AttemptError{}
	}
	return &b, nil
}

func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
