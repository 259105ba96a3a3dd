package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"stb-proxy/work/types"
)

const accountColumns = `source_id, mac, proxy, max_streams, expiry, errors, requests, playtime, position, enabled`

func (db *DB) loadAccounts(ctx context.Context, sourceID string) ([]types.Account, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE source_id = ? ORDER BY position, rowid", sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	defer rows.Close()

	accounts := []types.Account{}
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}
	return accounts, nil
}

// GetAccount loads a single account
func (db *DB) GetAccount(ctx context.Context, sourceID, mac string) (types.Account, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE source_id = ? AND mac = ?", sourceID, mac)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Account{}, fmt.Errorf("account %s/%s: %w", sourceID, mac, ErrNotFound)
	}
	return acc, err
}

func scanAccount(row rowScanner) (types.Account, error) {
	var acc types.Account
	var expiry sql.NullInt64

	err := row.Scan(
		&acc.SourceID, &acc.MAC, &acc.Proxy, &acc.MaxStreams, &expiry,
		&acc.Errors, &acc.Requests, &acc.Playtime, &acc.Position, &acc.Enabled,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return acc, err
		}
		return acc, fmt.Errorf("failed to scan account: %w", err)
	}

	if expiry.Valid {
		t := time.Unix(expiry.Int64, 0).UTC()
		acc.Expiry = &t
	}
	return acc, nil
}

// SaveAccount inserts or updates an account's configuration. Statistics are
// left untouched on update; new accounts are appended to the end of the
// source's priority order.
func (db *DB) SaveAccount(ctx context.Context, acc *types.Account) error {
	var expiry sql.NullInt64
	if acc.Expiry != nil {
		expiry = sql.NullInt64{Int64: acc.Expiry.Unix(), Valid: true}
	}

	query := `
		INSERT INTO accounts (source_id, mac, proxy, max_streams, expiry, enabled, position, updated_at)
		VALUES (?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(position), -1) + 1 FROM accounts WHERE source_id = ?),
			CURRENT_TIMESTAMP)
		ON CONFLICT(source_id, mac) DO UPDATE SET
			proxy = excluded.proxy,
			max_streams = excluded.max_streams,
			expiry = excluded.expiry,
			enabled = excluded.enabled,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err := db.ExecContext(ctx, query,
		acc.SourceID, acc.MAC, acc.Proxy, acc.MaxStreams, expiry, acc.Enabled, acc.SourceID)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// DeleteAccount removes an account from its source
func (db *DB) DeleteAccount(ctx context.Context, sourceID, mac string) error {
	res, err := db.ExecContext(ctx, "DELETE FROM accounts WHERE source_id = ? AND mac = ?", sourceID, mac)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s/%s: %w", sourceID, mac, ErrNotFound)
	}
	return nil
}

// IncrementRequests records one stream attempt. The increment happens in SQL
// so concurrent attempts on the same account are never lost.
func (db *DB) IncrementRequests(ctx context.Context, sourceID, mac string) error {
	_, err := db.ExecContext(ctx,
		"UPDATE accounts SET requests = requests + 1, updated_at = CURRENT_TIMESTAMP WHERE source_id = ? AND mac = ?",
		sourceID, mac)
	if err != nil {
		return fmt.Errorf("failed to increment requests: %w", err)
	}
	return nil
}

// AddStreamStats adds the playtime of a finished stream and, when the stream
// ended abnormally, one error
func (db *DB) AddStreamStats(ctx context.Context, sourceID, mac string, playtime float64, failed bool) error {
	if playtime < 0 {
		playtime = 0
	}
	errInc := 0
	if failed {
		errInc = 1
	}

	_, err := db.ExecContext(ctx,
		`UPDATE accounts
		 SET playtime = playtime + ?, errors = errors + ?, updated_at = CURRENT_TIMESTAMP
		 WHERE source_id = ? AND mac = ?`,
		playtime, errInc, sourceID, mac)
	if err != nil {
		return fmt.Errorf("failed to add stream stats: %w", err)
	}
	return nil
}

// MoveAccountToBack puts an account after every other account of its source.
// Counters are not reset.
func (db *DB) MoveAccountToBack(ctx context.Context, sourceID, mac string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE accounts
		 SET position = (SELECT COALESCE(MAX(position), 0) + 1 FROM accounts WHERE source_id = ?),
		     updated_at = CURRENT_TIMESTAMP
		 WHERE source_id = ? AND mac = ?`,
		sourceID, sourceID, mac)
	if err != nil {
		return fmt.Errorf("failed to move account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s/%s: %w", sourceID, mac, ErrNotFound)
	}
	return nil
}
