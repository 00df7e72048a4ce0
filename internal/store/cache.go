package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// ReplaceCollection atomically replaces every cached row of a collection
// and its metadata. Used after a successful full fetch from the server.
func (db *DB) ReplaceCollection(entries []CacheEntry, meta CacheMeta) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM cache_entries WHERE collection = ?`, meta.Collection); err != nil {
		return fmt.Errorf("clear collection: %w", err)
	}
	for i, e := range entries {
		if _, err := tx.Exec(`
			INSERT INTO cache_entries (collection, entity_id, search_text, data, position)
			VALUES (?, ?, ?, ?, ?)`,
			meta.Collection, e.EntityID, e.SearchText, string(e.Data), i); err != nil {
			return fmt.Errorf("insert entry %s: %w", e.EntityID, err)
		}
	}
	if err := upsertMeta(tx, meta); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// UpsertCacheEntry inserts or updates a single cached entity, appending at
// the end of the collection when new (append-if-absent merge for
// fetch-by-id misses and post-mutation merges).
func (db *DB) UpsertCacheEntry(e CacheEntry) error {
	_, err := db.Exec(`
		INSERT INTO cache_entries (collection, entity_id, search_text, data, position)
		VALUES (?, ?, ?, ?, COALESCE((SELECT MAX(position) + 1 FROM cache_entries WHERE collection = ?), 0))
		ON CONFLICT(collection, entity_id) DO UPDATE SET
			search_text = excluded.search_text,
			data = excluded.data`,
		e.Collection, e.EntityID, e.SearchText, string(e.Data), e.Collection)
	return err
}

// DeleteCacheEntry removes one cached entity.
func (db *DB) DeleteCacheEntry(collection, entityID string) error {
	_, err := db.Exec(`DELETE FROM cache_entries WHERE collection = ? AND entity_id = ?`, collection, entityID)
	return err
}

// ListCollection returns all cached rows of a collection in position order.
func (db *DB) ListCollection(collection string) ([]CacheEntry, error) {
	rows, err := db.Query(`
		SELECT collection, entity_id, search_text, data, position
		FROM cache_entries WHERE collection = ? ORDER BY position ASC`, collection)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []CacheEntry
	for rows.Next() {
		var e CacheEntry
		var data string
		if err := rows.Scan(&e.Collection, &e.EntityID, &e.SearchText, &data, &e.Position); err != nil {
			return nil, err
		}
		e.Data = []byte(data)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetCacheEntry returns one cached entity, or nil on miss.
func (db *DB) GetCacheEntry(collection, entityID string) (*CacheEntry, error) {
	row := db.QueryRow(`
		SELECT collection, entity_id, search_text, data, position
		FROM cache_entries WHERE collection = ? AND entity_id = ?`, collection, entityID)
	var e CacheEntry
	var data string
	err := row.Scan(&e.Collection, &e.EntityID, &e.SearchText, &data, &e.Position)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Data = []byte(data)
	return &e, nil
}

// GetCacheMeta returns a collection's metadata; LastFetchMS is zero when
// the collection has never been fetched.
func (db *DB) GetCacheMeta(collection string) (CacheMeta, error) {
	row := db.QueryRow(`
		SELECT collection, last_fetch_ms, total, page, pages
		FROM cache_meta WHERE collection = ?`, collection)
	var m CacheMeta
	err := row.Scan(&m.Collection, &m.LastFetchMS, &m.Total, &m.Page, &m.Pages)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheMeta{Collection: collection, Page: 1}, nil
	}
	if err != nil {
		return CacheMeta{}, err
	}
	return m, nil
}

// SetCacheMeta writes a collection's metadata.
func (db *DB) SetCacheMeta(meta CacheMeta) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := upsertMeta(tx, meta); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertMeta(tx *sql.Tx, meta CacheMeta) error {
	if _, err := tx.Exec(`
		INSERT INTO cache_meta (collection, last_fetch_ms, total, page, pages)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection) DO UPDATE SET
			last_fetch_ms = excluded.last_fetch_ms,
			total = excluded.total,
			page = excluded.page,
			pages = excluded.pages`,
		meta.Collection, meta.LastFetchMS, meta.Total, meta.Page, meta.Pages); err != nil {
		return fmt.Errorf("upsert meta: %w", err)
	}
	return nil
}
