// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"strings"
	"time"

	"github.com/autobrr/qsync/internal/dbinterface"
)

const (
	maxStoredErrorsPerInstance = 50
	duplicateErrorWindow       = time.Minute
)

type InstanceError struct {
	ID           int       `json:"id"`
	InstanceID   int       `json:"instanceId"`
	ErrorType    string    `json:"errorType"`
	ErrorMessage string    `json:"errorMessage"`
	OccurredAt   time.Time `json:"occurredAt"`
}

type InstanceErrorStore struct {
	db dbinterface.Querier
}

func NewInstanceErrorStore(db dbinterface.Querier) *InstanceErrorStore {
	return &InstanceErrorStore{db: db}
}

// RecordError stores a connection failure. The same message is recorded at
// most once per minute and only the newest entries are kept.
func (s *InstanceErrorStore) RecordError(ctx context.Context, instanceID int, err error) error {
	if err == nil {
		return nil
	}

	message := err.Error()
	errorType := categorizeError(message)

	var recent int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM instance_errors
		WHERE instance_id = ? AND error_message = ? AND occurred_at >= ?
	`, instanceID, message, time.Now().UTC().Add(-duplicateErrorWindow).Format("2006-01-02 15:04:05")).Scan(&recent); err != nil {
		return err
	}
	if recent > 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO instance_errors (instance_id, error_type, error_message)
		VALUES (?, ?, ?)
	`, instanceID, errorType, message); err != nil {
		if isForeignKeyViolation(err) {
			return ErrInstanceNotFound
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM instance_errors
		WHERE instance_id = ? AND id NOT IN (
			SELECT id FROM instance_errors WHERE instance_id = ?
			ORDER BY occurred_at DESC, id DESC LIMIT ?
		)
	`, instanceID, instanceID, maxStoredErrorsPerInstance); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *InstanceErrorStore) GetRecentErrors(ctx context.Context, instanceID int, limit int) ([]InstanceError, error) {
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, error_type, error_message, occurred_at
		FROM instance_errors
		WHERE instance_id = ?
		ORDER BY occurred_at DESC, id DESC
		LIMIT ?
	`, instanceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	errs := make([]InstanceError, 0, limit)
	for rows.Next() {
		var e InstanceError
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.ErrorType, &e.ErrorMessage, (*timestamp)(&e.OccurredAt)); err != nil {
			return nil, err
		}
		errs = append(errs, e)
	}

	return errs, rows.Err()
}

func (s *InstanceErrorStore) ClearErrors(ctx context.Context, instanceID int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM instance_errors WHERE instance_id = ?`, instanceID)
	return err
}

func categorizeError(message string) string {
	msg := strings.ToLower(message)

	switch {
	case strings.Contains(msg, "banned") || strings.Contains(msg, "ip is banned"):
		return "ban"
	case strings.Contains(msg, "credentials") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "login"):
		return "authentication"
	case strings.Contains(msg, "decrypt"):
		return "decryption"
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") || strings.Contains(msg, "network"):
		return "connection"
	case strings.Contains(msg, "decode") || strings.Contains(msg, "unexpected"):
		return "protocol"
	default:
		return "unknown"
	}
}
