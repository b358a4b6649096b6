package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/recallbricks/recalld/internal/apierr"
	"github.com/recallbricks/recalld/internal/memory"
)

// Insert stores a new memory row.
func (s *Store) Insert(ctx context.Context, m *memory.Memory) error {
	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata for %s: %w", m.ID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO memories (id, owner_id, namespace, content, embedding, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.OwnerID, m.Namespace, m.Content, m.Embedding, metadata, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert memory %s: %w", m.ID, err)
	}
	return nil
}

// Get retrieves one memory, scoped by owner.
func (s *Store) Get(ctx context.Context, ownerID, id string) (*memory.Memory, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, owner_id, namespace, content, embedding, metadata, created_at, updated_at
		FROM memories WHERE id = $1 AND owner_id = $2`, id, ownerID)
	m, err := scanMemory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memoryNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get memory %s: %w", id, err)
	}
	return m, nil
}

// Update replaces a memory's mutable fields.
func (s *Store) Update(ctx context.Context, m *memory.Memory) error {
	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata for %s: %w", m.ID, err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE memories
		SET content = $3, embedding = $4, metadata = $5, updated_at = $6
		WHERE id = $1 AND owner_id = $2`,
		m.ID, m.OwnerID, m.Content, m.Embedding, metadata, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update memory %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return memoryNotFound(m.ID)
	}
	return nil
}

// Delete removes a memory permanently.
func (s *Store) Delete(ctx context.Context, ownerID, id string) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM memories WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete memory %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return memoryNotFound(id)
	}
	return nil
}

// List returns one page of an owner's memories, oldest first, plus the
// total count for pagination.
func (s *Store) List(ctx context.Context, ownerID, namespace string, offset, limit int) ([]*memory.Memory, int, error) {
	var total int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM memories
		WHERE owner_id = $1 AND ($2 = '' OR namespace = $2)`, ownerID, namespace).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count memories: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, owner_id, namespace, content, embedding, metadata, created_at, updated_at
		FROM memories
		WHERE owner_id = $1 AND ($2 = '' OR namespace = $2)
		ORDER BY created_at, id
		OFFSET $3 LIMIT $4`, ownerID, namespace, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	out, err := collectMemories(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// ByIDs returns the owner's memories matching the given ids. Missing ids
// are skipped.
func (s *Store) ByIDs(ctx context.Context, ownerID string, ids []string) ([]*memory.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, owner_id, namespace, content, embedding, metadata, created_at, updated_at
		FROM memories WHERE owner_id = $1 AND id = ANY($2)
		ORDER BY created_at, id`, ownerID, ids)
	if err != nil {
		return nil, fmt.Errorf("memories by ids: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

// AllForOwner returns every memory of an owner, oldest first.
func (s *Store) AllForOwner(ctx context.Context, ownerID, namespace string) ([]*memory.Memory, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, owner_id, namespace, content, embedding, metadata, created_at, updated_at
		FROM memories
		WHERE owner_id = $1 AND ($2 = '' OR namespace = $2)
		ORDER BY created_at, id`, ownerID, namespace)
	if err != nil {
		return nil, fmt.Errorf("all memories: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

// Count returns the owner's total memory count.
func (s *Store) Count(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM memories WHERE owner_id = $1`, ownerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

func scanMemory(row pgx.Row) (*memory.Memory, error) {
	var m memory.Memory
	var metadata []byte
	err := row.Scan(&m.ID, &m.OwnerID, &m.Namespace, &m.Content, &m.Embedding,
		&metadata, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", m.ID, err)
		}
	}
	return &m, nil
}

func collectMemories(rows pgx.Rows) ([]*memory.Memory, error) {
	var out []*memory.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func memoryNotFound(id string) error {
	return apierr.NotFound("memory_not_found", "memory does not exist").WithDetail("id", id)
}
