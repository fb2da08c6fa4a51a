package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			full_name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS device_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			device TEXT NOT NULL DEFAULT 'phone',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL
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
			call_duration BIGINT NOT NULL DEFAULT 0,
			recording_path TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
			duration BIGINT NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			ended_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_call_logs_owner_id ON call_logs(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_call_logs_started_at ON call_logs(started_at)`,
		`CREATE TABLE IF NOT EXISTS recordings (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			attempt_id TEXT NOT NULL DEFAULT '',
			contact_id TEXT NOT NULL DEFAULT '',
			filename TEXT UNIQUE NOT NULL,
			size_bytes BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_owner_id ON recordings(owner_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, password_hash, email, full_name, role, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		user.ID, user.Username, user.PasswordHash, user.Email, user.FullName, user.Role, user.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, email, full_name, role, created_at FROM users WHERE username = $1",
		username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Email, &u.FullName, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, email, full_name, role, created_at FROM users WHERE id = $1", id,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Email, &u.FullName, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
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

func (s *PostgresStore) CreateDeviceSession(ctx context.Context, sess *DeviceSession) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO device_sessions (id, user_id, device, created_at, expires_at) VALUES ($1, $2, $3, $4, $5)",
		sess.ID, sess.UserID, sess.Device, sess.CreatedAt, sess.ExpiresAt,
	)
	return err
}

func (s *PostgresStore) GetDeviceSession(ctx context.Context, id string) (*DeviceSession, error) {
	var sess DeviceSession
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, device, created_at, expires_at FROM device_sessions WHERE id = $1", id,
	).Scan(&sess.ID, &sess.UserID, &sess.Device, &sess.CreatedAt, &sess.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &sess, err
}

func (s *PostgresStore) DeleteDeviceSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM device_sessions WHERE id = $1", id)
	return err
}

func (s *PostgresStore) PurgeExpiredDeviceSessions(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM device_sessions WHERE expires_at < $1", time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Contacts ---

func (s *PostgresStore) CreateContact(ctx context.Context, c *Contact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (id, owner_id, name, phone, address, postal_code, province, status,
		   meeting_date, meeting_time, follow_up_date, notes, call_duration, recording_path, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		c.ID, c.OwnerID, c.Name, c.Phone, c.Address, c.PostalCode, c.Province, c.Status,
		c.MeetingDate, c.MeetingTime, c.FollowUpDate, c.Notes, c.CallDuration, c.RecordingPath,
		c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetContact(ctx context.Context, ownerID, id string) (*Contact, error) {
	var c Contact
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, phone, address, postal_code, province, status,
		        meeting_date, meeting_time, follow_up_date, notes, call_duration, recording_path, created_at, updated_at
		 FROM contacts WHERE id = $1 AND owner_id = $2`, id, ownerID,
	).Scan(&c.ID, &c.OwnerID, &c.Name, &c.Phone, &c.Address, &c.PostalCode, &c.Province, &c.Status,
		&c.MeetingDate, &c.MeetingTime, &c.FollowUpDate, &c.Notes, &c.CallDuration, &c.RecordingPath,
		&c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &c, err
}

func (s *PostgresStore) ListContacts(ctx context.Context, ownerID string) ([]Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, name, phone, address, postal_code, province, status,
		        meeting_date, meeting_time, follow_up_date, notes, call_duration, recording_path, created_at, updated_at
		 FROM contacts WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID,
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

func (s *PostgresStore) UpdateContact(ctx context.Context, c *Contact) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET name = $1, phone = $2, address = $3, postal_code = $4, province = $5, status = $6,
		   meeting_date = $7, meeting_time = $8, follow_up_date = $9, notes = $10, call_duration = $11, updated_at = $12
		 WHERE id = $13 AND owner_id = $14`,
		c.Name, c.Phone, c.Address, c.PostalCode, c.Province, c.Status,
		c.MeetingDate, c.MeetingTime, c.FollowUpDate, c.Notes, c.CallDuration, time.Now(),
		c.ID, c.OwnerID,
	)
	return err
}

func (s *PostgresStore) DeleteContact(ctx context.Context, ownerID, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM contacts WHERE id = $1 AND owner_id = $2", id, ownerID,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) SetContactRecording(ctx context.Context, ownerID, id, recordingPath string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE contacts SET recording_path = $1, updated_at = $2 WHERE id = $3 AND owner_id = $4",
		recordingPath, time.Now(), id, ownerID,
	)
	return err
}

func (s *PostgresStore) ContactStats(ctx context.Context, ownerID string) (*ContactStats, error) {
	var st ContactStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		   COALESCE(SUM(CASE WHEN status = 'PENDING' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN status = 'COMPLETED' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN status = 'MEETING' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN status = 'CONTACT_ADVISOR' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN status = 'NOT_INTERESTED' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN status = 'FOLLOW_UP' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN status = 'NO_ANSWER' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN status = 'WRONG_NUMBER' THEN 1 ELSE 0 END), 0)
		 FROM contacts WHERE owner_id = $1`, ownerID,
	).Scan(&st.Total, &st.Pending, &st.Completed, &st.Meeting, &st.ContactAdvisor,
		&st.NotInterested, &st.FollowUp, &st.NoAnswer, &st.WrongNumber)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// --- Call logs ---

func (s *PostgresStore) CreateCallLog(ctx context.Context, cl *CallLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_logs (id, owner_id, attempt_id, contact_id, phone_number, contact_name, state, reason, duration, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		cl.ID, cl.OwnerID, cl.AttemptID, cl.ContactID, cl.PhoneNumber, cl.ContactName,
		cl.State, cl.Reason, cl.Duration, cl.StartedAt, cl.EndedAt,
	)
	return err
}

func (s *PostgresStore) FinishCallLog(ctx context.Context, attemptID, state, reason string, duration int64, endedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE call_logs SET state = $1, reason = $2, duration = $3, ended_at = $4 WHERE attempt_id = $5",
		state, reason, duration, endedAt, attemptID,
	)
	return err
}

func (s *PostgresStore) GetCallLogByAttempt(ctx context.Context, attemptID string) (*CallLog, error) {
	var cl CallLog
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, attempt_id, contact_id, phone_number, contact_name, state, reason, duration, started_at, ended_at
		 FROM call_logs WHERE attempt_id = $1`, attemptID,
	).Scan(&cl.ID, &cl.OwnerID, &cl.AttemptID, &cl.ContactID, &cl.PhoneNumber, &cl.ContactName,
		&cl.State, &cl.Reason, &cl.Duration, &cl.StartedAt, &cl.EndedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &cl, err
}

func (s *PostgresStore) ListCallLogs(ctx context.Context, ownerID string, limit, offset int) ([]CallLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, attempt_id, contact_id, phone_number, contact_name, state, reason, duration, started_at, ended_at
		 FROM call_logs WHERE owner_id = $1 ORDER BY started_at DESC LIMIT $2 OFFSET $3`,
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

func (s *PostgresStore) PurgeOldCallLogs(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM call_logs WHERE started_at < $1", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Recordings ---

func (s *PostgresStore) CreateRecording(ctx context.Context, rec *Recording) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO recordings (id, owner_id, attempt_id, contact_id, filename, size_bytes, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		rec.ID, rec.OwnerID, rec.AttemptID, rec.ContactID, rec.Filename, rec.SizeBytes, rec.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetRecordingByFilename(ctx context.Context, ownerID, filename string) (*Recording, error) {
	var rec Recording
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, attempt_id, contact_id, filename, size_bytes, created_at
		 FROM recordings WHERE filename = $1 AND owner_id = $2`, filename, ownerID,
	).Scan(&rec.ID, &rec.OwnerID, &rec.AttemptID, &rec.ContactID, &rec.Filename, &rec.SizeBytes, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &rec, err
}

func (s *PostgresStore) ListRecordings(ctx context.Context, ownerID string) ([]Recording, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, attempt_id, contact_id, filename, size_bytes, created_at
		 FROM recordings WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID,
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

func (s *PostgresStore) DeleteRecording(ctx context.Context, ownerID, filename string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM recordings WHERE filename = $1 AND owner_id = $2", filename, ownerID,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}
