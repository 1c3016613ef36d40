// Package sqlite implements the gateway repositories on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mamadbah2/chanway/internal/domain/models"
	"github.com/mamadbah2/chanway/internal/repository"
)

const defaultBusyTimeout = 5000

const instanceColumns = `id, company_id, channel_type, instance_name, state, telegram_bot_token_enc,
	phone_number, profile_name, last_connected_at, last_disconnected_at, error_message,
	status_raw, created_at, updated_at`

// Repository implements repository.Store on SQLite.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

var _ repository.Store = (*Repository)(nil)

// Open opens (creating if needed) the SQLite database at path and migrates it.
//
// The database uses WAL mode, a 5 s busy timeout, and a single connection
// (SQLite serialises writes).
func Open(ctx context.Context, path string) (*Repository, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("sqlite: create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: enable WAL: %w", err)
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Repository{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (r *Repository) Close(context.Context) error {
	return r.db.Close()
}

// Insert stores a new instance row.
func (r *Repository) Insert(ctx context.Context, inst *models.ChannelInstance) error {
	now := r.now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO `+instancesTable+` (`+instanceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.CompanyID, string(inst.ChannelType), inst.InstanceName, string(inst.State),
		nullString(inst.TelegramBotTokenEnc), nullPtr(inst.PhoneNumber), nullPtr(inst.ProfileName),
		nullTime(inst.LastConnectedAt), nullTime(inst.LastDisconnectedAt), nullPtr(inst.ErrorMessage),
		inst.StatusRaw, formatTime(inst.CreatedAt), formatTime(inst.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("instance %q: %w", inst.InstanceName, models.ErrConflict)
		}
		return fmt.Errorf("sqlite: insert instance: %w", err)
	}
	return nil
}

// Get returns the instance with the given id.
func (r *Repository) Get(ctx context.Context, id string) (*models.ChannelInstance, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM `+instancesTable+` WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", id, err)
	}
	return inst, nil
}

// GetByName returns the instance with the given provider-facing name.
func (r *Repository) GetByName(ctx context.Context, name string) (*models.ChannelInstance, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM `+instancesTable+` WHERE instance_name = ?`, name)
	inst, err := scanInstance(row)
	if err != nil {
		return nil, fmt.Errorf("get instance by name %s: %w", name, err)
	}
	return inst, nil
}

// List returns the instances matching filter ordered by creation time.
func (r *Repository) List(ctx context.Context, filter repository.InstanceFilter) ([]models.ChannelInstance, error) {
	var (
		where []string
		args  []any
	)
	if filter.CompanyID != "" {
		where = append(where, "company_id = ?")
		args = append(args, filter.CompanyID)
	}
	if filter.ChannelType != "" {
		where = append(where, "channel_type = ?")
		args = append(args, string(filter.ChannelType))
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, s := range filter.States {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "state IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT ` + instanceColumns + ` FROM ` + instancesTable
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list instances: %w", err)
	}
	defer rows.Close()

	var out []models.ChannelInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan instance: %w", err)
		}
		out = append(out, *inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate instances: %w", err)
	}
	return out, nil
}

// Update applies patch to the row with the given id and returns the new row.
func (r *Repository) Update(ctx context.Context, id string, patch repository.InstancePatch) (*models.ChannelInstance, error) {
	sets := []string{"updated_at = ?"}
	args := []any{formatTime(r.now().UTC())}

	if patch.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(*patch.State))
	}
	if patch.PhoneNumber != nil {
		sets = append(sets, "phone_number = ?")
		args = append(args, nullString(*patch.PhoneNumber))
	}
	if patch.ProfileName != nil {
		sets = append(sets, "profile_name = ?")
		args = append(args, nullString(*patch.ProfileName))
	}
	if patch.LastConnectedAt != nil {
		sets = append(sets, "last_connected_at = ?")
		args = append(args, nullTime(patch.LastConnectedAt))
	}
	if patch.LastDisconnectedAt != nil {
		sets = append(sets, "last_disconnected_at = ?")
		args = append(args, nullTime(patch.LastDisconnectedAt))
	}
	if patch.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullString(*patch.ErrorMessage))
	}
	if patch.StatusRaw != nil {
		sets = append(sets, "status_raw = ?")
		args = append(args, *patch.StatusRaw)
	}
	if patch.TelegramBotTokenEnc != nil {
		sets = append(sets, "telegram_bot_token_enc = ?")
		args = append(args, nullString(*patch.TelegramBotTokenEnc))
	}
	args = append(args, id)

	res, err := r.db.ExecContext(ctx, `UPDATE `+instancesTable+` SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: update instance %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("update instance %s: %w", id, models.ErrNotFound)
	}
	return r.Get(ctx, id)
}

// Delete removes the row with the given id.
func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM `+instancesTable+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete instance %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("delete instance %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// APIKey returns the stored tenant override key for provider. Values are sealed by
// repository.SealedIntegrations before they get here.
func (r *Repository) APIKey(ctx context.Context, companyID string, provider models.ChannelType) (string, error) {
	var key string
	err := r.db.QueryRowContext(ctx,
		`SELECT api_key_enc FROM `+integrationsTable+` WHERE company_id = ? AND provider = ?`,
		companyID, string(provider),
	).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("api key for %s/%s: %w", companyID, provider, models.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: read api key: %w", err)
	}
	return key, nil
}

// SetAPIKey stores or replaces the tenant override key for provider.
func (r *Repository) SetAPIKey(ctx context.Context, companyID string, provider models.ChannelType, apiKey string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO `+integrationsTable+` (company_id, provider, api_key_enc, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(company_id, provider) DO UPDATE SET api_key_enc = excluded.api_key_enc, updated_at = excluded.updated_at`,
		companyID, string(provider), apiKey, formatTime(r.now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("sqlite: store api key: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(s scanner) (*models.ChannelInstance, error) {
	var (
		inst                             models.ChannelInstance
		channelType, state               string
		tokenEnc, phone, profile, errMsg sql.NullString
		lastConnected, lastDisconnected  sql.NullString
		createdAt, updatedAt             string
	)
	err := s.Scan(&inst.ID, &inst.CompanyID, &channelType, &inst.InstanceName, &state, &tokenEnc,
		&phone, &profile, &lastConnected, &lastDisconnected, &errMsg,
		&inst.StatusRaw, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	inst.ChannelType = models.ChannelType(channelType)
	inst.State = models.InstanceState(state)
	inst.TelegramBotTokenEnc = tokenEnc.String
	inst.PhoneNumber = ptrFromNull(phone)
	inst.ProfileName = ptrFromNull(profile)
	inst.ErrorMessage = ptrFromNull(errMsg)
	inst.LastConnectedAt = parseNullTime(lastConnected)
	inst.LastDisconnectedAt = parseNullTime(lastDisconnected)
	inst.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	inst.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &inst, nil
}

func isUniqueViolation(err error) bool {
	var se *msqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// timeLayout keeps the fraction fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return nullString(*s)
}

func ptrFromNull(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
