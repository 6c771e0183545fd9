package store

import (
	"context"
	"fmt"
)

// QueueRow is one pending offline envelope for an identity.
type QueueRow struct {
	ID  int64
	Msg []byte
}

// Enqueue appends a durable offline envelope for identity forID. Called
// when the recipient has no live authenticated socket.
func (s *Store) Enqueue(ctx context.Context, forID int64, msg []byte) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO queue ("for", msg) VALUES (?, ?)`, forID, msg); err != nil {
		return fmt.Errorf("%w: enqueue: %v", ErrDB, err)
	}
	return nil
}

// ListQueue returns every pending envelope for forID in delivery order
// (created_at ASC, id ASC as tiebreak), per I5 and §5's ordering guarantee.
func (s *Store) ListQueue(ctx context.Context, forID int64) ([]QueueRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, msg FROM queue WHERE "for" = ? ORDER BY created_at ASC, id ASC`, forID)
	if err != nil {
		return nil, fmt.Errorf("%w: list queue: %v", ErrDB, err)
	}
	defer rows.Close()

	var out []QueueRow
	for rows.Next() {
		var r QueueRow
		if err := rows.Scan(&r.ID, &r.Msg); err != nil {
			return nil, fmt.Errorf("%w: scan queue row: %v", ErrDB, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate queue: %v", ErrDB, err)
	}
	return out, nil
}

// DeleteQueueRow removes one delivered envelope by id. Called after the
// bytes have been handed to the transport for sending; failure here is
// best-effort (logged by the caller), matching the at-least-once /
// at-most-once-in-practice semantics documented for the offline queue.
func (s *Store) DeleteQueueRow(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: delete queue row: %v", ErrDB, err)
	}
	return nil
}
