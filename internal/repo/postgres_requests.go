package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/LeventeLantos/chama-payments/internal/model"
)

type PostgresRequestStore struct {
	db *sql.DB
}

func NewPostgresRequestStore(db *sql.DB) *PostgresRequestStore {
	return &PostgresRequestStore{db: db}
}

func (r *PostgresRequestStore) Insert(ctx context.Context, req *model.PaymentRequest) error {
	var chamaID sql.NullInt64
	if req.ChamaID != 0 {
		chamaID = sql.NullInt64{Int64: req.ChamaID, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_requests
			(request_id, purpose, subject_phone, amount, chama_id, reference, status, created_at, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
	`, req.RequestID, string(req.Purpose), req.SubjectPhone, req.Amount, chamaID,
		req.Reference, string(req.Status), req.CreatedAt, req.ExpiresAt)
	return err
}

func (r *PostgresRequestStore) SetMerchantID(ctx context.Context, requestID, merchantRequestID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE payment_requests
		SET merchant_request_id = $2,
		    updated_at = now()
		WHERE request_id = $1 AND merchant_request_id IS NULL
	`, requestID, merchantRequestID)
	return err
}

// SetResolved only moves rows out of pending, so a late write can never overwrite
// an earlier terminal status.
func (r *PostgresRequestStore) SetResolved(ctx context.Context, requestID string, status model.Status, data *model.PaymentData, reason string, resolvedAt time.Time) error {
	var payload sql.NullString
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode payment data: %w", err)
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}

	var failure sql.NullString
	if reason != "" {
		failure = sql.NullString{String: reason, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE payment_requests
		SET status = $2,
		    payment_data = $3,
		    failure_reason = $4,
		    resolved_at = $5,
		    updated_at = now()
		WHERE request_id = $1 AND status = 'pending'
	`, requestID, string(status), payload, failure, resolvedAt)
	return err
}

func (r *PostgresRequestStore) ListPending(ctx context.Context) ([]model.PaymentRequest, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT request_id, purpose, subject_phone, amount, chama_id, reference,
		       merchant_request_id, status, created_at, expires_at
		FROM payment_requests
		WHERE status = 'pending'
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PaymentRequest
	for rows.Next() {
		var p model.PaymentRequest
		var purpose, status string
		var chamaID sql.NullInt64
		var merchantID sql.NullString

		if err := rows.Scan(
			&p.RequestID,
			&purpose,
			&p.SubjectPhone,
			&p.Amount,
			&chamaID,
			&p.Reference,
			&merchantID,
			&status,
			&p.CreatedAt,
			&p.ExpiresAt,
		); err != nil {
			return nil, err
		}

		p.Purpose = model.Purpose(purpose)
		p.Status = model.Status(status)
		if chamaID.Valid {
			p.ChamaID = chamaID.Int64
		}
		if merchantID.Valid {
			p.MerchantRequestID = merchantID.String
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
