package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/reach/internal/ir"
)

// SavePack stores a pack under its content hash. Saving the same pack
// twice is a no-op.
func (s *Store) SavePack(ctx context.Context, pack ir.Pack) (string, error) {
	hash, err := ir.PackHash(pack)
	if err != nil {
		return "", fmt.Errorf("save pack: %w", err)
	}
	doc, err := ir.MarshalCanonical(pack)
	if err != nil {
		return "", fmt.Errorf("save pack: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO packs (hash, name, version, document, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, hash, pack.Name, pack.Version, string(doc), toNanos(s.now()))
	if err != nil {
		return "", fmt.Errorf("save pack %s: %w", hash, err)
	}
	return hash, nil
}

// GetPack loads a pack by content hash.
func (s *Store) GetPack(ctx context.Context, hash string) (ir.Pack, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM packs WHERE hash = ?`, hash).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Pack{}, ir.Errorf(ir.ErrCodeNotFound, "pack %s not found", hash)
	}
	if err != nil {
		return ir.Pack{}, fmt.Errorf("get pack %s: %w", hash, err)
	}
	var pack ir.Pack
	if err := json.Unmarshal([]byte(doc), &pack); err != nil {
		return ir.Pack{}, fmt.Errorf("decode pack %s: %w", hash, err)
	}
	return pack, nil
}
