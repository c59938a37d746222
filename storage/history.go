package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/lebao3105/LocalTalk-sub002/session"
)

// RecordTransfer upserts one finished transfer. Re-recording the same
// session/file pair overwrites the earlier row.
func (s *Store) RecordTransfer(rec session.TransferRecord) error {
	if rec.SessionID == "" {
		return errors.New("session_id is required")
	}
	if rec.FileID == "" {
		return errors.New("file_id is required")
	}
	if rec.Direction != "send" && rec.Direction != "receive" {
		return fmt.Errorf("invalid direction %q", rec.Direction)
	}

	var finished *time.Time
	if !rec.FinishedAt.IsZero() {
		finished = &rec.FinishedAt
	}

	_, err := s.db.Exec(
		`INSERT INTO transfer_history (
			session_id,
			file_id,
			file_name,
			peer,
			direction,
			status,
			size,
			transferred,
			started_at,
			finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, file_id) DO UPDATE SET
			status = excluded.status,
			transferred = excluded.transferred,
			finished_at = excluded.finished_at`,
		rec.SessionID,
		rec.FileID,
		rec.FileName,
		rec.Peer,
		rec.Direction,
		string(rec.Status),
		rec.Size,
		rec.Transferred,
		rec.StartedAt.Unix(),
		nullUnix(finished),
	)
	if err != nil {
		return fmt.Errorf("record transfer %q/%q: %w", rec.SessionID, rec.FileID, err)
	}

	return nil
}

// History lists finished transfers, newest first.
func (s *Store) History(limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT
			session_id,
			file_id,
			file_name,
			peer,
			direction,
			status,
			size,
			transferred,
			started_at,
			finished_at
		FROM transfer_history
		ORDER BY started_at DESC, session_id, file_id
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfer history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var (
			entry    HistoryEntry
			started  int64
			finished *int64
		)
		if err := rows.Scan(
			&entry.SessionID,
			&entry.FileID,
			&entry.FileName,
			&entry.Peer,
			&entry.Direction,
			&entry.Status,
			&entry.Size,
			&entry.Transferred,
			&started,
			&finished,
		); err != nil {
			return nil, fmt.Errorf("scan transfer history row: %w", err)
		}
		entry.StartedAt = time.Unix(started, 0)
		entry.FinishedAt = unixOrNil(finished)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer history: %w", err)
	}

	return out, nil
}

// PruneHistory removes rows that started before the cutoff and reports
// how many were dropped.
func (s *Store) PruneHistory(before time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM transfer_history WHERE started_at < ?`,
		before.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune transfer history: %w", err)
	}
	dropped, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for history prune: %w", err)
	}
	return dropped, nil
}
