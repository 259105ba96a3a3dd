package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"stb-proxy/work/types"
)

const sourceColumns = `
	id, name, url, enabled, proxy, try_all_accounts, epg_offset, position,
	enabled_channels, custom_names, custom_numbers, custom_groups, custom_epg_ids, fallback_channels
`

// LoadSources loads every source with its accounts, both in priority order
func (db *DB) LoadSources(ctx context.Context) ([]*types.Source, error) {
	rows, err := db.QueryContext(ctx, "SELECT "+sourceColumns+" FROM sources ORDER BY position, name")
	if err != nil {
		return nil, fmt.Errorf("failed to load sources: %w", err)
	}
	defer rows.Close()

	var sources []*types.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sources: %w", err)
	}

	for _, src := range sources {
		if src.Accounts, err = db.loadAccounts(ctx, src.ID); err != nil {
			return nil, err
		}
	}

	return sources, nil
}

// GetSource loads one source with its accounts
func (db *DB) GetSource(ctx context.Context, id string) (*types.Source, error) {
	row := db.QueryRowContext(ctx, "SELECT "+sourceColumns+" FROM sources WHERE id = ?", id)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if src.Accounts, err = db.loadAccounts(ctx, id); err != nil {
		return nil, err
	}
	return src, nil
}

// SaveSource inserts or updates the source row. A source without an id gets a
// fresh one and is appended after the existing sources. Accounts are managed
// separately through SaveAccount/DeleteAccount.
func (db *DB) SaveSource(ctx context.Context, src *types.Source) error {
	if src.ID == "" {
		src.ID = strings.ReplaceAll(uuid.NewString(), "-", "")
		var next int
		if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(position), -1) + 1 FROM sources").Scan(&next); err != nil {
			return fmt.Errorf("failed to compute source position: %w", err)
		}
		src.Position = next
	}

	maps, err := encodeSourceMaps(src)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sources (
			id, name, url, enabled, proxy, try_all_accounts, epg_offset, position,
			enabled_channels, custom_names, custom_numbers, custom_groups, custom_epg_ids, fallback_channels,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			url = excluded.url,
			enabled = excluded.enabled,
			proxy = excluded.proxy,
			try_all_accounts = excluded.try_all_accounts,
			epg_offset = excluded.epg_offset,
			position = excluded.position,
			enabled_channels = excluded.enabled_channels,
			custom_names = excluded.custom_names,
			custom_numbers = excluded.custom_numbers,
			custom_groups = excluded.custom_groups,
			custom_epg_ids = excluded.custom_epg_ids,
			fallback_channels = excluded.fallback_channels,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err = db.ExecContext(ctx, query,
		src.ID, src.Name, src.URL, src.Enabled, src.Proxy, src.TryAllAccounts, src.EPGOffset, src.Position,
		maps[0], maps[1], maps[2], maps[3], maps[4], maps[5],
	)
	if err != nil {
		return fmt.Errorf("failed to save source: %w", err)
	}
	return nil
}

// DeleteSource removes a source and, through the foreign key, its accounts
func (db *DB) DeleteSource(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, "DELETE FROM sources WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (*types.Source, error) {
	var src types.Source
	var enabledChannels, names, numbers, groups, epgIDs, fallbacks string

	err := row.Scan(
		&src.ID, &src.Name, &src.URL, &src.Enabled, &src.Proxy, &src.TryAllAccounts, &src.EPGOffset, &src.Position,
		&enabledChannels, &names, &numbers, &groups, &epgIDs, &fallbacks,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan source: %w", err)
	}

	if err := json.Unmarshal([]byte(enabledChannels), &src.EnabledChannels); err != nil {
		return nil, fmt.Errorf("failed to decode enabled channels for %s: %w", src.ID, err)
	}
	targets := []*map[string]string{&src.CustomNames, &src.CustomNumbers, &src.CustomGroups, &src.CustomEPGIDs, &src.FallbackChannels}
	for i, raw := range []string{names, numbers, groups, epgIDs, fallbacks} {
		if err := json.Unmarshal([]byte(raw), targets[i]); err != nil {
			return nil, fmt.Errorf("failed to decode channel map for %s: %w", src.ID, err)
		}
		if *targets[i] == nil {
			*targets[i] = map[string]string{}
		}
	}
	if src.EnabledChannels == nil {
		src.EnabledChannels = []string{}
	}

	return &src, nil
}

// encodeSourceMaps serializes the customization columns in table order
func encodeSourceMaps(src *types.Source) ([6]string, error) {
	var out [6]string

	enabled := src.EnabledChannels
	if enabled == nil {
		enabled = []string{}
	}
	data, err := json.Marshal(enabled)
	if err != nil {
		return out, fmt.Errorf("failed to encode enabled channels: %w", err)
	}
	out[0] = string(data)

	for i, m := range []map[string]string{src.CustomNames, src.CustomNumbers, src.CustomGroups, src.CustomEPGIDs, src.FallbackChannels} {
		if m == nil {
			m = map[string]string{}
		}
		data, err := json.Marshal(m)
		if err != nil {
			return out, fmt.Errorf("failed to encode channel map: %w", err)
		}
		out[i+1] = string(data)
	}
	return out, nil
}
