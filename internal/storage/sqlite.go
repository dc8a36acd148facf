package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	SummaryPending   = "pending"
	SummaryRunning   = "running"
	SummaryCompleted = "completed"
	SummaryFailed    = "failed"
)

// Meeting session outcomes.
const (
	MeetingRecording = "recording"
	MeetingCompleted = "completed"
	MeetingFailed    = "failed"
)

// Meeting is one persisted recording session and its derived artifacts.
// Status and Error carry the session outcome so the shell can tell a
// finished recording from a failed one.
type Meeting struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Status        string     `json:"status"`
	Error         string     `json:"error,omitempty"`
	AudioPath     string     `json:"audio_path"`
	Transcript    string     `json:"transcript"`
	Summary       string     `json:"summary"`
	SummaryStatus string     `json:"summary_status"`
	Note          string     `json:"note"`
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "parley.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS meetings (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			ended_at TEXT,
			status TEXT NOT NULL DEFAULT 'recording',
			error TEXT NOT NULL DEFAULT '',
			audio_path TEXT NOT NULL DEFAULT '',
			transcript TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			summary_status TEXT NOT NULL DEFAULT 'pending',
			note TEXT NOT NULL DEFAULT ''
		);
	`); err != nil {
		return fmt.Errorf("create meetings table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create settings table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create oauth_tokens table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS summary_requests (
			meeting_id TEXT NOT NULL,
			prompt_hash TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(meeting_id, prompt_hash)
		);
	`); err != nil {
		return fmt.Errorf("create summary_requests table: %w", err)
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_meetings_started_at ON meetings(started_at)"); err != nil {
		return fmt.Errorf("create meetings index: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) CreateMeeting(id, title string, startedAt time.Time) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("meeting id is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO meetings(id, title, started_at, status, summary_status) VALUES(?, ?, ?, ?, ?)`,
		id,
		title,
		startedAt.UTC().Format(time.RFC3339Nano),
		MeetingRecording,
		SummaryPending,
	)
	if err != nil {
		return fmt.Errorf("create meeting %s: %w", id, err)
	}
	return nil
}

// FinishMeeting records how the session ended. A non-empty failure marks
// the meeting failed and keeps the message for the shell to show.
func (s *SQLiteStore) FinishMeeting(id string, endedAt time.Time, audioPath, failure string) error {
	status := MeetingCompleted
	if failure != "" {
		status = MeetingFailed
	}

	res, err := s.db.Exec(
		`UPDATE meetings SET ended_at = ?, status = ?, error = ?, audio_path = ? WHERE id = ?`,
		endedAt.UTC().Format(time.RFC3339Nano),
		status,
		failure,
		audioPath,
		id,
	)
	if err != nil {
		return fmt.Errorf("finish meeting %s: %w", id, err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) UpdateTranscript(id, transcript string) error {
	res, err := s.db.Exec(`UPDATE meetings SET transcript = ? WHERE id = ?`, transcript, id)
	if err != nil {
		return fmt.Errorf("update transcript for meeting %s: %w", id, err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) UpdateSummary(id, summary, status string) error {
	res, err := s.db.Exec(`UPDATE meetings SET summary = ?, summary_status = ? WHERE id = ?`, summary, status, id)
	if err != nil {
		return fmt.Errorf("update summary for meeting %s: %w", id, err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) SaveNote(id, note string) error {
	res, err := s.db.Exec(`UPDATE meetings SET note = ? WHERE id = ?`, note, id)
	if err != nil {
		return fmt.Errorf("save note for meeting %s: %w", id, err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) GetMeeting(id string) (Meeting, error) {
	row := s.db.QueryRow(
		`SELECT id, title, started_at, ended_at, status, error, audio_path, transcript, summary, summary_status, note
		 FROM meetings WHERE id = ?`,
		id,
	)
	return scanMeeting(row.Scan)
}

// ListMeetings returns the most recent meetings, newest first.
func (s *SQLiteStore) ListMeetings(limit int) ([]Meeting, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT id, title, started_at, ended_at, status, error, audio_path, transcript, summary, summary_status, note
		 FROM meetings ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query meetings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	meetings := make([]Meeting, 0, 16)
	for rows.Next() {
		m, err := scanMeeting(rows.Scan)
		if err != nil {
			return nil, err
		}
		meetings = append(meetings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate meeting rows: %w", err)
	}

	return meetings, nil
}

// ClaimSummaryRequest records that a summary for this prompt is in flight.
// It reports false when an identical request was already claimed.
func (s *SQLiteStore) ClaimSummaryRequest(meetingID, promptHash string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO summary_requests(meeting_id, prompt_hash) VALUES(?, ?)`,
		meetingID,
		promptHash,
	)
	if err != nil {
		return false, fmt.Errorf("claim summary request for meeting %s: %w", meetingID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim summary rows affected: %w", err)
	}
	return rows > 0, nil
}

func (s *SQLiteStore) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key,
		value,
	)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

// SaveToken stores a serialized OAuth token for a provider.
func (s *SQLiteStore) SaveToken(provider, token string) error {
	_, err := s.db.Exec(
		`INSERT INTO oauth_tokens(provider, token, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(provider) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at`,
		provider,
		token,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save token for %s: %w", provider, err)
	}
	return nil
}

// LoadToken returns the stored token for a provider, or sql.ErrNoRows
// wrapped when none exists.
func (s *SQLiteStore) LoadToken(provider string) (string, error) {
	var token string
	err := s.db.QueryRow(`SELECT token FROM oauth_tokens WHERE provider = ?`, provider).Scan(&token)
	if err != nil {
		return "", fmt.Errorf("load token for %s: %w", provider, err)
	}
	return token, nil
}

func requireRow(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanMeeting(scan func(dest ...any) error) (Meeting, error) {
	var m Meeting
	var startedAt string
	var endedAt sql.NullString
	if err := scan(&m.ID, &m.Title, &startedAt, &endedAt, &m.Status, &m.Error, &m.AudioPath, &m.Transcript, &m.Summary, &m.SummaryStatus, &m.Note); err != nil {
		return Meeting{}, fmt.Errorf("scan meeting: %w", err)
	}

	parsedStart, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return Meeting{}, fmt.Errorf("parse started_at: %w", err)
	}
	m.StartedAt = parsedStart

	if endedAt.Valid {
		parsedEnd, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return Meeting{}, fmt.Errorf("parse ended_at: %w", err)
		}
		m.EndedAt = &parsedEnd
	}

	return m, nil
}
