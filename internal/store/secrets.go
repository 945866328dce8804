package store

import (
	"context"
	"database/sql"
	"time"
)

func (s *SQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	now := time.Now().UTC()
	_, err := s.exec(ctx,
		`INSERT INTO secrets (key, value, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now, now,
	)
	if err != nil {
		return storeError("store secret", err)
	}
	return nil
}

func (s *SQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.queryRow(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	if err != nil {
		return nil, storeError("get secret", err)
	}
	return value, nil
}

func (s *SQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.exec(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return storeError("delete secret", err)
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *SQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.query(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, storeError("list secrets", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

var _ Store = (*SQLStore)(nil)
