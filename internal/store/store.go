// Package store defines the storage interface for dialbridge and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"time"
)

// Store is the persistence interface for dialbridge.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)

	// Device sessions (long-lived phone credentials; the session token's jti
	// must resolve here to be accepted)
	CreateDeviceSession(ctx context.Context, sess *DeviceSession) error
	GetDeviceSession(ctx context.Context, id string) (*DeviceSession, error)
	DeleteDeviceSession(ctx context.Context, id string) error
	PurgeExpiredDeviceSessions(ctx context.Context) (int64, error)

	// Contacts
	CreateContact(ctx context.Context, c *Contact) error
	GetContact(ctx context.Context, ownerID, id string) (*Contact, error)
	ListContacts(ctx context.Context, ownerID string) ([]Contact, error)
	UpdateContact(ctx context.Context, c *Contact) error
	DeleteContact(ctx context.Context, ownerID, id string) (bool, error)
	SetContactRecording(ctx context.Context, ownerID, id, recordingPath string) error
	ContactStats(ctx context.Context, ownerID string) (*ContactStats, error)

	// Call logs
	CreateCallLog(ctx context.Context, cl *CallLog) error
	FinishCallLog(ctx context.Context, attemptID, state, reason string, duration int64, endedAt time.Time) error
	GetCallLogByAttempt(ctx context.Context, attemptID string) (*CallLog, error)
	ListCallLogs(ctx context.Context, ownerID string, limit, offset int) ([]CallLog, error)
	PurgeOldCallLogs(ctx context.Context, before time.Time) (int64, error)

	// Recordings (metadata only; bytes live on disk)
	CreateRecording(ctx context.Context, rec *Recording) error
	GetRecordingByFilename(ctx context.Context, ownerID, filename string) (*Recording, error)
	ListRecordings(ctx context.Context, ownerID string) ([]Recording, error)
	DeleteRecording(ctx context.Context, ownerID, filename string) (bool, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User represents an operator account.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Email        string    `json:"email,omitempty"`
	FullName     string    `json:"full_name,omitempty"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// DeviceSession backs a long-lived device credential. The session JWT's jti
// is the row ID; deleting the row revokes the token.
type DeviceSession struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Device    string    `json:"device"` // "phone" or "desktop"
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Contact call-outcome statuses.
const (
	StatusPending        = "PENDING"
	StatusCompleted      = "COMPLETED"
	StatusMeeting        = "MEETING"
	StatusContactAdvisor = "CONTACT_ADVISOR"
	StatusNotInterested  = "NOT_INTERESTED"
	StatusFollowUp       = "FOLLOW_UP"
	StatusNoAnswer       = "NO_ANSWER"
	StatusWrongNumber    = "WRONG_NUMBER"
)

// ValidContactStatus reports whether s is a recognized contact status.
func ValidContactStatus(s string) bool {
	switch s {
	case StatusPending, StatusCompleted, StatusMeeting, StatusContactAdvisor,
		StatusNotInterested, StatusFollowUp, StatusNoAnswer, StatusWrongNumber:
		return true
	}
	return false
}

// Contact is a CRM row scoped to its owning operator.
type Contact struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	Name          string    `json:"name"`
	Phone         string    `json:"phone"`
	Address       string    `json:"address,omitempty"`
	PostalCode    string    `json:"postal_code,omitempty"`
	Province      string    `json:"province,omitempty"`
	Status        string    `json:"status"`
	MeetingDate   string    `json:"meeting_date,omitempty"`
	MeetingTime   string    `json:"meeting_time,omitempty"`
	FollowUpDate  string    `json:"follow_up_date,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	CallDuration  int64     `json:"call_duration,omitempty"` // seconds
	RecordingPath string    `json:"recording_path,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ContactStats summarizes contact outcomes for one owner.
type ContactStats struct {
	Total          int `json:"total"`
	Pending        int `json:"pending"`
	Completed      int `json:"completed"`
	Meeting        int `json:"meeting"`
	ContactAdvisor int `json:"contact_advisor"`
	NotInterested  int `json:"not_interested"`
	FollowUp       int `json:"follow_up"`
	NoAnswer       int `json:"no_answer"`
	WrongNumber    int `json:"wrong_number"`
}

// CallLog records one call attempt from creation to its terminal state.
type CallLog struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	AttemptID   string     `json:"attempt_id"`
	ContactID   string     `json:"contact_id,omitempty"`
	PhoneNumber string     `json:"phone_number"`
	ContactName string     `json:"contact_name,omitempty"`
	State       string     `json:"state"` // "dialing", "active", "ended", "failed"
	Reason      string     `json:"reason,omitempty"`
	Duration    int64      `json:"duration,omitempty"` // seconds
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Recording is the stored metadata for an uploaded call recording.
type Recording struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	AttemptID string    `json:"attempt_id,omitempty"`
	ContactID string    `json:"contact_id,omitempty"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}
