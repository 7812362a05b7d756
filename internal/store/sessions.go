package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrSessionNotFound = errors.New("session not found")

const (
	SessionStatusRunning   = "running"
	SessionStatusStopped   = "stopped"
	SessionStatusCompleted = "completed"
)

type Session struct {
	ID          string
	PartyID     string
	Platform    string
	Status      string
	BotConfigID string
	DialogState map[string]any
	Metadata    map[string]any
	StartedAt   time.Time
	StoppedAt   time.Time
}

// GetOrCreateSession resolves the session for (partyID, platform), creating a
// running session when absent. The unique constraint keeps concurrent callers
// on a single row; an existing stopped session is switched back to running
// with a fresh start timestamp.
func (s *Store) GetOrCreateSession(ctx context.Context, partyID, platform, botConfigID string) (Session, error) {
	partyID = strings.TrimSpace(partyID)
	platform = strings.TrimSpace(platform)
	if partyID == "" || platform == "" {
		return Session{}, fmt.Errorf("party id and platform are required")
	}

	now := time.Now().UTC().Unix()
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sessions (id, party_id, platform, status, bot_config_id, started_at_unix, created_at_unix)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(party_id, platform) DO NOTHING`,
		"sess-"+uuid.NewString(),
		partyID,
		platform,
		SessionStatusRunning,
		nullIfEmpty(botConfigID),
		now,
		now,
	); err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}

	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE sessions
		 SET status = ?, started_at_unix = ?, stopped_at_unix = NULL,
		     bot_config_id = COALESCE(?, bot_config_id)
		 WHERE party_id = ? AND platform = ? AND status != ?`,
		SessionStatusRunning,
		now,
		nullIfEmpty(botConfigID),
		partyID,
		platform,
		SessionStatusRunning,
	); err != nil {
		return Session{}, fmt.Errorf("reactivate session: %w", err)
	}
	return s.LookupSession(ctx, partyID, platform)
}

func (s *Store) LookupSession(ctx context.Context, partyID, platform string) (Session, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, party_id, platform, status, bot_config_id, dialog_state_json,
		        metadata_json, started_at_unix, stopped_at_unix
		 FROM sessions
		 WHERE party_id = ? AND platform = ?`,
		strings.TrimSpace(partyID),
		strings.TrimSpace(platform),
	)
	return scanSession(row)
}

func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	var stoppedAt any
	if status == SessionStatusStopped || status == SessionStatusCompleted {
		stoppedAt = time.Now().UTC().Unix()
	}
	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE sessions SET status = ?, stopped_at_unix = ? WHERE id = ?`,
		status,
		stoppedAt,
		strings.TrimSpace(sessionID),
	); err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

func (s *Store) UpdateSessionDialogState(ctx context.Context, sessionID string, dialogState map[string]any) error {
	encoded, err := encodeMetadata(dialogState)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE sessions SET dialog_state_json = ? WHERE id = ?`,
		encoded,
		strings.TrimSpace(sessionID),
	); err != nil {
		return fmt.Errorf("update session dialog state: %w", err)
	}
	return nil
}

func (s *Store) UpdateSessionMetadata(ctx context.Context, sessionID string, metadata map[string]any) error {
	encoded, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE sessions SET metadata_json = ? WHERE id = ?`,
		encoded,
		strings.TrimSpace(sessionID),
	); err != nil {
		return fmt.Errorf("update session metadata: %w", err)
	}
	return nil
}

func (s *Store) ListRunningSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, party_id, platform, status, bot_config_id, dialog_state_json,
		        metadata_json, started_at_unix, stopped_at_unix
		 FROM sessions
		 WHERE status = ?
		 ORDER BY started_at_unix ASC`,
		SessionStatusRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("list running sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func scanSession(row rowScanner) (Session, error) {
	var session Session
	var botConfigID sql.NullString
	var dialogStateJSON, metadataJSON string
	var startedAtUnix, stoppedAtUnix sql.NullInt64
	if err := row.Scan(
		&session.ID,
		&session.PartyID,
		&session.Platform,
		&session.Status,
		&botConfigID,
		&dialogStateJSON,
		&metadataJSON,
		&startedAtUnix,
		&stoppedAtUnix,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	session.BotConfigID = botConfigID.String
	session.DialogState = decodeMetadata(dialogStateJSON)
	session.Metadata = decodeMetadata(metadataJSON)
	if startedAtUnix.Valid {
		session.StartedAt = time.Unix(startedAtUnix.Int64, 0).UTC()
	}
	if stoppedAtUnix.Valid {
		session.StoppedAt = time.Unix(stoppedAtUnix.Int64, 0).UTC()
	}
	return session, nil
}
