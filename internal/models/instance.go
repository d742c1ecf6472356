// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/autobrr/qsync/internal/dbinterface"
	"github.com/autobrr/qsync/internal/domain"
)

var (
	ErrInstanceNotFound  = errors.New("instance not found")
	ErrInstanceNameTaken = errors.New("an instance with this name already exists")
)

type Instance struct {
	ID                     int       `json:"id"`
	Name                   string    `json:"name"`
	Host                   string    `json:"host"`
	Username               string    `json:"username"`
	PasswordEncrypted      string    `json:"-"`
	BasicUsername          *string   `json:"basic_username,omitempty"`
	BasicPasswordEncrypted *string   `json:"-"`
	TLSSkipVerify          bool      `json:"tlsSkipVerify"`
	SortOrder              int       `json:"sortOrder"`
	IsActive               bool      `json:"isActive"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

func (i Instance) MarshalJSON() ([]byte, error) {
	// Create the JSON structure with redacted password fields
	return json.Marshal(&struct {
		ID            int       `json:"id"`
		Name          string    `json:"name"`
		Host          string    `json:"host"`
		Username      string    `json:"username"`
		Password      string    `json:"password,omitempty"`
		BasicUsername *string   `json:"basic_username,omitempty"`
		BasicPassword string    `json:"basic_password,omitempty"`
		TLSSkipVerify bool      `json:"tlsSkipVerify"`
		IsActive      bool      `json:"isActive"`
		CreatedAt     time.Time `json:"created_at"`
		UpdatedAt     time.Time `json:"updated_at"`
		SortOrder     int       `json:"sortOrder"`
	}{
		ID:            i.ID,
		Name:          i.Name,
		Host:          i.Host,
		Username:      i.Username,
		Password:      domain.RedactString(i.PasswordEncrypted),
		BasicUsername: i.BasicUsername,
		BasicPassword: func() string {
			if i.BasicPasswordEncrypted != nil {
				return domain.RedactString(*i.BasicPasswordEncrypted)
			}
			return ""
		}(),
		TLSSkipVerify: i.TLSSkipVerify,
		IsActive:      i.IsActive,
		CreatedAt:     i.CreatedAt,
		UpdatedAt:     i.UpdatedAt,
		SortOrder:     i.SortOrder,
	})
}

func (i *Instance) UnmarshalJSON(data []byte) error {
	// Temporary struct for unmarshaling
	var temp struct {
		ID            int       `json:"id"`
		Name          string    `json:"name"`
		Host          string    `json:"host"`
		Username      string    `json:"username"`
		Password      string    `json:"password,omitempty"`
		BasicUsername *string   `json:"basic_username,omitempty"`
		BasicPassword string    `json:"basic_password,omitempty"`
		TLSSkipVerify *bool     `json:"tlsSkipVerify,omitempty"`
		IsActive      bool      `json:"isActive"`
		CreatedAt     time.Time `json:"created_at"`
		UpdatedAt     time.Time `json:"updated_at"`
		SortOrder     *int      `json:"sortOrder,omitempty"`
	}

	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}

	// Copy non-secret fields
	i.ID = temp.ID
	i.Name = temp.Name
	i.Host = temp.Host
	i.Username = temp.Username
	i.BasicUsername = temp.BasicUsername

	if temp.TLSSkipVerify != nil {
		i.TLSSkipVerify = *temp.TLSSkipVerify
	}

	if temp.SortOrder != nil {
		i.SortOrder = *temp.SortOrder
	}

	i.IsActive = temp.IsActive

	// Handle password - don't overwrite if redacted
	if temp.Password != "" && !domain.IsRedactedString(temp.Password) {
		i.PasswordEncrypted = temp.Password
	}

	// Handle basic password - don't overwrite if redacted
	if temp.BasicPassword != "" && !domain.IsRedactedString(temp.BasicPassword) {
		i.BasicPasswordEncrypted = &temp.BasicPassword
	}

	return nil
}

type InstanceStore struct {
	db            dbinterface.Querier
	encryptionKey []byte
}

func NewInstanceStore(db dbinterface.Querier, encryptionKey []byte) (*InstanceStore, error) {
	if len(encryptionKey) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}

	return &InstanceStore{
		db:            db,
		encryptionKey: encryptionKey,
	}, nil
}

// encrypt encrypts a string using AES-GCM
func (s *InstanceStore) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts a string encrypted with encrypt
func (s *InstanceStore) decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", errors.New("malformed ciphertext")
	}

	nonce, ciphertextBytes := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}

// validateAndNormalizeHost validates and normalizes a qBittorrent instance host URL
func validateAndNormalizeHost(rawHost string) (string, error) {
	// Trim whitespace
	rawHost = strings.TrimSpace(rawHost)

	// Check for empty host
	if rawHost == "" {
		return "", errors.New("host cannot be empty")
	}

	// Check if host already has a valid scheme
	if !strings.Contains(rawHost, "://") {
		// No scheme, add http://
		rawHost = "http://" + rawHost
	}

	// Parse the URL
	u, err := url.Parse(rawHost)
	if err != nil {
		return "", fmt.Errorf("invalid URL format: %w", err)
	}

	// Validate scheme
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q: must be http or https", u.Scheme)
	}

	// Validate host
	if u.Host == "" {
		return "", errors.New("URL must include a host")
	}

	return u.String(), nil
}

const instanceColumns = `id, name, host, username, password_encrypted, basic_username, basic_password_encrypted, tls_skip_verify, sort_order, is_active, created_at, updated_at`

// timestamp accepts both parsed times and sqlite's text form, since RETURNING
// columns carry no declared type.
type timestamp time.Time

func (ts *timestamp) Scan(value any) error {
	switch v := value.(type) {
	case time.Time:
		*ts = timestamp(v)
	case string:
		return ts.parse(v)
	case []byte:
		return ts.parse(string(v))
	case nil:
		*ts = timestamp(time.Time{})
	default:
		return fmt.Errorf("unsupported timestamp type %T", value)
	}
	return nil
}

func (ts *timestamp) parse(v string) error {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			*ts = timestamp(t)
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", v)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var (
		instance               Instance
		basicUsername          sql.NullString
		basicPasswordEncrypted sql.NullString
	)

	err := row.Scan(
		&instance.ID,
		&instance.Name,
		&instance.Host,
		&instance.Username,
		&instance.PasswordEncrypted,
		&basicUsername,
		&basicPasswordEncrypted,
		&instance.TLSSkipVerify,
		&instance.SortOrder,
		&instance.IsActive,
		(*timestamp)(&instance.CreatedAt),
		(*timestamp)(&instance.UpdatedAt),
	)
	if err != nil {
		return nil, err
	}

	if basicUsername.Valid {
		instance.BasicUsername = &basicUsername.String
	}
	if basicPasswordEncrypted.Valid {
		instance.BasicPasswordEncrypted = &basicPasswordEncrypted.String
	}

	return &instance, nil
}

func (s *InstanceStore) Create(ctx context.Context, name, rawHost, username, password string, basicUsername, basicPassword *string, tlsSkipVerify bool) (*Instance, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("name cannot be empty")
	}

	normalizedHost, err := validateAndNormalizeHost(rawHost)
	if err != nil {
		return nil, err
	}

	encryptedPassword, err := s.encrypt(password)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt password: %w", err)
	}

	var encryptedBasicPassword *string
	if basicPassword != nil && *basicPassword != "" {
		encrypted, err := s.encrypt(*basicPassword)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt basic auth password: %w", err)
		}
		encryptedBasicPassword = &encrypted
	}

	if basicUsername != nil && *basicUsername == "" {
		basicUsername = nil
	}

	row := s.db.QueryRowContext(ctx, `
		WITH next_sort AS (
			SELECT COALESCE(MAX(sort_order), -1) + 1 AS next_order FROM instances
		)
		INSERT INTO instances (
			name,
			host,
			username,
			password_encrypted,
			basic_username,
			basic_password_encrypted,
			tls_skip_verify,
			sort_order
		)
		SELECT ?, ?, ?, ?, ?, ?, ?, next_order FROM next_sort
		RETURNING `+instanceColumns,
		name,
		normalizedHost,
		username,
		encryptedPassword,
		basicUsername,
		encryptedBasicPassword,
		tlsSkipVerify,
	)

	instance, err := scanInstance(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrInstanceNameTaken
		}
		return nil, err
	}

	return instance, nil
}

func (s *InstanceStore) Get(ctx context.Context, id int) (*Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)

	instance, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}

	return instance, nil
}

func (s *InstanceStore) List(ctx context.Context) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instanceColumns+`
		FROM instances
		ORDER BY sort_order ASC, name COLLATE NOCASE ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return instances, nil
}

// Update replaces the connection settings. An empty password keeps the stored
// one; a non-nil empty basic username or password clears it.
func (s *InstanceStore) Update(ctx context.Context, id int, name, rawHost, username, password string, basicUsername, basicPassword *string, tlsSkipVerify *bool) (*Instance, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("name cannot be empty")
	}

	normalizedHost, err := validateAndNormalizeHost(rawHost)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := "UPDATE instances SET name = ?, host = ?, username = ?"
	args := []any{name, normalizedHost, username}

	if basicUsername != nil {
		if *basicUsername == "" {
			query += ", basic_username = NULL"
		} else {
			query += ", basic_username = ?"
			args = append(args, *basicUsername)
		}
	}

	if password != "" {
		encryptedPassword, err := s.encrypt(password)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt password: %w", err)
		}
		query += ", password_encrypted = ?"
		args = append(args, encryptedPassword)
	}

	if basicPassword != nil {
		if *basicPassword == "" {
			query += ", basic_password_encrypted = NULL"
		} else {
			encryptedBasicPassword, err := s.encrypt(*basicPassword)
			if err != nil {
				return nil, fmt.Errorf("failed to encrypt basic auth password: %w", err)
			}
			query += ", basic_password_encrypted = ?"
			args = append(args, encryptedBasicPassword)
		}
	}

	if tlsSkipVerify != nil {
		query += ", tls_skip_verify = ?"
		args = append(args, *tlsSkipVerify)
	}

	query += " WHERE id = ?"
	args = append(args, id)

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrInstanceNameTaken
		}
		return nil, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	if rows == 0 {
		return nil, ErrInstanceNotFound
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return s.Get(ctx, id)
}

func (s *InstanceStore) SetActiveState(ctx context.Context, id int, active bool) (*Instance, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE instances SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return nil, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	if rows == 0 {
		return nil, ErrInstanceNotFound
	}

	return s.Get(ctx, id)
}

func (s *InstanceStore) UpdateOrder(ctx context.Context, instanceIDs []int) error {
	if len(instanceIDs) == 0 {
		return errors.New("instance ids cannot be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var totalInstances int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM instances").Scan(&totalInstances); err != nil {
		return fmt.Errorf("failed to validate instance list: %w", err)
	}
	if len(instanceIDs) != totalInstances {
		return fmt.Errorf("partial reordering not allowed: expected %d instances, got %d", totalInstances, len(instanceIDs))
	}

	seen := make(map[int]struct{}, len(instanceIDs))
	for order, id := range instanceIDs {
		if _, exists := seen[id]; exists {
			return fmt.Errorf("duplicate instance id %d in reorder payload", id)
		}
		seen[id] = struct{}{}

		result, err := tx.ExecContext(ctx, `UPDATE instances SET sort_order = ? WHERE id = ?`, order, id)
		if err != nil {
			return err
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}

		if rows != 1 {
			return ErrInstanceNotFound
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (s *InstanceStore) Delete(ctx context.Context, id int) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrInstanceNotFound
	}

	return nil
}

// GetDecryptedPassword returns the decrypted password for an instance
func (s *InstanceStore) GetDecryptedPassword(instance *Instance) (string, error) {
	return s.decrypt(instance.PasswordEncrypted)
}

// GetDecryptedBasicPassword returns the decrypted basic auth password for an instance
func (s *InstanceStore) GetDecryptedBasicPassword(instance *Instance) (*string, error) {
	if instance.BasicPasswordEncrypted == nil {
		return nil, nil
	}
	decrypted, err := s.decrypt(*instance.BasicPasswordEncrypted)
	if err != nil {
		return nil, err
	}
	return &decrypted, nil
}
