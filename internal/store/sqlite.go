package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) addColumnIfNotExists(table, column, definition string) error {
	_, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	if err != nil && strings.Contains(err.Error(), "duplicate column") {
		return nil
	}
	return err
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			full_name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'user',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS device_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			device TEXT NOT NULL DEFAULT 'phone',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_device_sessions_user_id ON device_sessions(user_id)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL REFERENCES users(id),
			name TEXT NOT NULL,
			phone TEXT NOT NULL,
			address TEXT NOT NULL DEFAULT '',
			postal_code TEXT NOT NULL DEFAULT '',
			province TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'PENDING',
			meeting_date TEXT NOT NULL DEFAULT '',
			meeting_time TEXT NOT NULL DEFAULT '',
			follow_up_date TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			call_duration INTEGER NOT NULL DEFAULT 0,
			recording_path TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_owner_id ON contacts(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_status ON contacts(status)`,
		`CREATE TABLE IF NOT EXISTS call_logs (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			attempt_id TEXT UNIQUE NOT NULL,
			contact_id TEXT NOT NULL DEFAULT '',
			phone_number TEXT NOT NULL,
			contact_name TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'dialing',
			reason TEXT NOT NULL DEFAULT '',
			duration INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_call_logs_owner_id ON call_logs(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_call_logs_started_at ON call_logs(started_at)`,
		`CREATE TABLE IF NOT EXISTS recordings (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			attempt_id TEXT NOT NULL DEFAULT '',
			contact_id TEXT NOT NULL DEFAULT '',
			filename TEXT UNIQUE NOT NULL,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_owner_id ON recordings(owner_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}

	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we ignore duplicate
	// column errors for columns added after the initial schema.
	columnMigrations := []struct {
		table, column, definition string
	}{
		{"users", "email", "TEXT NOT NULL DEFAULT ''"},
		{"users", "full_name", "TEXT NOT NULL DEFAULT ''"},
		{"call_logs", "contact_name", "TEXT NOT NULL DEFAULT ''"},
	}
	for _, cm := range columnMigrations {
		if err := s.addColumnIfNotExists(cm.table, cm.column, cm.definition); err != nil {
			return fmt.Errorf("add column %s.%s: %w", cm.table, cm.column, err)
		}
	}

	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, password_hash, email, full_name, role, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		user.ID, user.Username, user.PasswordHash, user.Email, user.FullName, user.Role, user.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, email, full_name, role, created_at FROM users WHERE username = ?",
		username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Email, &u.FullName, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, email, full_name, role, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Email, &u.FullName, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, username, email, full_name, role, created_at FROM users ORDER BY created_at",
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.FullName, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Device sessions ---

func (s *SQLiteStore) CreateDeviceSession(ctx context.Context, sess *DeviceSession) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO device_sessions (id, user_id, device, created_at, expires_at) VALUES (?, ?, ?, ?, ?)",
		sess.ID, sess.UserID, sess.Device, sess.CreatedAt, sess.ExpiresAt,
	)
	return err
}

func (s *SQLiteStore) GetDeviceSession(ctx context.Context, id string) (*DeviceSession, error) {
	var sess DeviceSession
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, device, created_at, expires_at FROM device_sessions WHERE id = ?", id,
	).Scan(&sess.ID, &sess.UserID, &sess.Device, &sess.CreatedAt, &sess.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &sess, err
}

func (s *SQLiteStore) DeleteDeviceSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM device_sessions WHERE id = ?", id)
	return err
}

func (s *SQLiteStore) PurgeExpiredDeviceSessions(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM device_sessions WHERE expires_at < ?", time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Contacts ---

func (s *SQLiteStore) CreateContact(ctx context.Context, c *Contact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (id, owner_id, name, phone, address, postal_code, province, status,
		   meeting_date, meeting_time, follow_up_date, notes, call_duration, recording_path, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.Name, c.Phone, c.Address, c.PostalCode, c.Province, c.Status,
		c.MeetingDate, c.MeetingTime, c.FollowUpDate, c.Notes, c.CallDuration, c.RecordingPath,
		c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetContact(ctx context.Context, ownerID, id string) (*Contact, error) {
	var c Contact
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, phone, address, postal_code, province, status,
		        meeting_date, meeting_time, follow_up_date, notes, call_duration, recording_path, created_at, updated_at
		 FROM contacts WHERE id = ? AND owner_id = ?`, id, ownerID,
	).Scan(&c.ID, &c.OwnerID, &c.Name, &c.Phone, &c.Address, &c.PostalCode, &c.Province, &c.Status,
		&c.MeetingDate, &c.MeetingTime, &c.FollowUpDate, &c.Notes, &c.CallDuration, &c.RecordingPath,
		&c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &c, err
}

func (s *SQLiteStore) ListContacts(ctx context.Context, ownerID string) ([]Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, name, phone, address, postal_code, province, status,
		        meeting_date, meeting_time, follow_up_date, notes, call_duration, recording_path, created_at, updated_at
		 FROM contacts WHERE owner_id = ? ORDER BY created_at DESC`, ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Phone, &c.Address, &c.PostalCode, &c.Province, &c.Status,
			&c.MeetingDate, &c.MeetingTime, &c.FollowUpDate, &c.Notes, &c.CallDuration, &c.RecordingPath,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func (s *SQLiteStore) UpdateContact(ctx context.Context, c *Contact) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET name = ?, phone = ?, address = ?, postal_code = ?, province = ?, status = ?,
		   meeting_date = ?, meeting_time = ?, follow_up_date = ?, notes = ?, call_duration = ?, updated_at = ?
		 WHERE id = ? AND owner_id = ?`,
		c.Name, c.Phone, c.Address, c.PostalCode, c.Province, c.Status,
		c.MeetingDate, c.MeetingTime, c.FollowUpDate, c.Notes, c.CallDuration, time.Now(),
		c.ID, c.OwnerID,
	)
	return err
}

func (s *SQLiteStore) DeleteContact(ctx context.Context, ownerID, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM contacts WHERE id = ? AND owner_id = ?", id, ownerID,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) SetContactRecording(ctx context.Context, ownerID, id, recordingPath string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE contacts SET recording_path = ?, updated_at = ? WHERE id = ? AND owner_id = ?",
		recordingPath, time.Now(), id, ownerID,
	)
	return err
}

func (s *SQLiteStore) ContactStats(ctx context.Context, ownerID string) (*ContactStats, error) {
	var st ContactStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		   SUM(CASE WHEN status = 'PENDING' THEN 1 ELSE 0 END),
		   SUM(CASE WHEN status = 'COMPLETED' THEN 1 ELSE 0 END),
		   SUM(CASE WHEN status = 'MEETING' THEN 1 ELSE 0 END),
		   SUM(CASE WHEN status = 'CONTACT_ADVISOR' THEN 1 ELSE 0 END),
		   SUM(CASE WHEN status = 'NOT_INTERESTED' THEN 1 ELSE 0 END),
		   SUM(CASE WHEN status = 'FOLLOW_UP' THEN 1 ELSE 0 END),
		   SUM(CASE WHEN status = 'NO_ANSWER' THEN 1 ELSE 0 END),
		   SUM(CASE WHEN status = 'WRONG_NUMBER' THEN 1 ELSE 0 END)
		 FROM contacts WHERE owner_id = ?`, ownerID,
	).Scan(&st.Total, &nullInt{&st.Pending}, &nullInt{&st.Completed}, &nullInt{&st.Meeting},
		&nullInt{&st.ContactAdvisor}, &nullInt{&st.NotInterested}, &nullInt{&st.FollowUp},
		&nullInt{&st.NoAnswer}, &nullInt{&st.WrongNumber})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// nullInt scans a nullable integer into *int, treating NULL as zero.
// SUM over an empty table yields NULL.
type nullInt struct {
	dst *int
}

func (n *nullInt) Scan(src any) error {
	if src == nil {
		*n.dst = 0
		return nil
	}
	switch v := src.(type) {
	case int64:
		*n.dst = int(v)
	case float64:
		*n.dst = int(v)
	default:
		return fmt.Errorf("unsupported count type %T", src)
	}
	return nil
}

// --- Call logs ---

func (s *SQLiteStore) CreateCallLog(ctx context.Context, cl *CallLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_logs (id, owner_id, attempt_id, contact_id, phone_number, contact_name, state, reason, duration, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cl.ID, cl.OwnerID, cl.AttemptID, cl.ContactID, cl.PhoneNumber, cl.ContactName,
		cl.State, cl.Reason, cl.Duration, cl.StartedAt, cl.EndedAt,
	)
	return err
}

func (s *SQLiteStore) FinishCallLog(ctx context.Context, attemptID, state, reason string, duration int64, endedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE call_logs SET state = ?, reason = ?, duration = ?, ended_at = ? WHERE attempt_id = ?",
		state, reason, duration, endedAt, attemptID,
	)
	return err
}

func (s *SQLiteStore) GetCallLogByAttempt(ctx context.Context, attemptID string) (*CallLog, error) {
	var cl CallLog
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, attempt_id, contact_id, phone_number, contact_name, state, reason, duration, started_at, ended_at
		 FROM call_logs WHERE attempt_id = ?`, attemptID,
	).Scan(&cl.ID, &cl.OwnerID, &cl.AttemptID, &cl.ContactID, &cl.PhoneNumber, &cl.ContactName,
		&cl.State, &cl.Reason, &cl.Duration, &cl.StartedAt, &cl.EndedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &cl, err
}

func (s *SQLiteStore) ListCallLogs(ctx context.Context, ownerID string, limit, offset int) ([]CallLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, attempt_id, contact_id, phone_number, contact_name, state, reason, duration, started_at, ended_at
		 FROM call_logs WHERE owner_id = ? ORDER BY started_at DESC LIMIT ? OFFSET ?`,
		ownerID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []CallLog
	for rows.Next() {
		var cl CallLog
		if err := rows.Scan(&cl.ID, &cl.OwnerID, &cl.AttemptID, &cl.ContactID, &cl.PhoneNumber, &cl.ContactName,
			&cl.State, &cl.Reason, &cl.Duration, &cl.StartedAt, &cl.EndedAt); err != nil {
			return nil, err
		}
		logs = append(logs, cl)
	}
	return logs, rows.Err()
}

func (s *SQLiteStore) PurgeOldCallLogs(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM call_logs WHERE started_at < ?", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Recordings ---

func (s *SQLiteStore) CreateRecording(ctx context.Context, rec *Recording) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO recordings (id, owner_id, attempt_id, contact_id, filename, size_bytes, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		rec.ID, rec.OwnerID, rec.AttemptID, rec.ContactID, rec.Filename, rec.SizeBytes, rec.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetRecordingByFilename(ctx context.Context, ownerID, filename string) (*Recording, error) {
	var rec Recording
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, attempt_id, contact_id, filename, size_bytes, created_at
		 FROM recordings WHERE filename = ? AND owner_id = ?`, filename, ownerID,
	).Scan(&rec.ID, &rec.OwnerID, &rec.AttemptID, &rec.ContactID, &rec.Filename, &rec.SizeBytes, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &rec, err
}

func (s *SQLiteStore) ListRecordings(ctx context.Context, ownerID string) ([]Recording, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, attempt_id, contact_id, filename, size_bytes, created_at
		 FROM recordings WHERE owner_id = ? ORDER BY created_at DESC`, ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []Recording
	for rows.Next() {
		var rec Recording
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.AttemptID, &rec.ContactID, &rec.Filename, &rec.SizeBytes, &rec.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) DeleteRecording(ctx context.Context, ownerID, filename string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM recordings WHERE filename = ? AND owner_id = ?", filename, ownerID,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}
