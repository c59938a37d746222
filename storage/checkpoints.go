package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveCheckpoint upserts the received watermark for one file.
func (s *Store) SaveCheckpoint(sessionID, fileID string, offset int64) error {
	if sessionID == "" {
		return errors.New("session_id is required")
	}
	if fileID == "" {
		return errors.New("file_id is required")
	}
	if offset < 0 {
		return fmt.Errorf("negative checkpoint offset %d", offset)
	}

	_, err := s.db.Exec(
		`INSERT INTO transfer_checkpoints (
			session_id,
			file_id,
			byte_offset,
			updated_at
		) VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, file_id) DO UPDATE SET
			byte_offset = excluded.byte_offset,
			updated_at = excluded.updated_at`,
		sessionID,
		fileID,
		offset,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %q/%q: %w", sessionID, fileID, err)
	}

	return nil
}

// Checkpoint returns the saved watermark for one file.
func (s *Store) Checkpoint(sessionID, fileID string) (int64, error) {
	var offset int64
	err := s.db.QueryRow(
		`SELECT byte_offset
		FROM transfer_checkpoints
		WHERE session_id = ? AND file_id = ?`,
		sessionID,
		fileID,
	).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get checkpoint %q/%q: %w", sessionID, fileID, err)
	}
	return offset, nil
}

// DeleteCheckpoints drops every checkpoint of one session.
func (s *Store) DeleteCheckpoints(sessionID string) error {
	if sessionID == "" {
		return errors.New("session_id is required")
	}
	if _, err := s.db.Exec(
		`DELETE FROM transfer_checkpoints WHERE session_id = ?`,
		sessionID,
	); err != nil {
		return fmt.Errorf("delete checkpoints %q: %w", sessionID, err)
	}
	return nil
}

// PruneCheckpoints removes checkpoints untouched since the cutoff.
// Crashed sessions leave rows behind, this is their garbage collector.
func (s *Store) PruneCheckpoints(before time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM transfer_checkpoints WHERE updated_at < ?`,
		before.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	dropped, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for checkpoint prune: %w", err)
	}
	return dropped, nil
}
