package storage

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage. An empty Driver means "sqlite".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// PendingRecord is a message that could not be delivered yet.
// Seq is assigned by the store and defines flush order.
type PendingRecord struct {
	ID          string    `json:"id"`
	Seq         int64     `json:"seq"`
	Channel     string    `json:"channel"`
	RecipientID string    `json:"recipient_id"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
}

// PendingStats summarizes the queue. Oldest is zero when Count is 0.
type PendingStats struct {
	Count  int
	Oldest time.Time
}

type Role int

const (
	RoleStudent Role = iota
	RoleGuardian
)

func (r Role) String() string {
	if r == RoleGuardian {
		return "guardian"
	}
	return "student"
}

// Student is the subset of the student row the bot needs to resolve
// recipients and greet people.
type Student struct {
	Code           string `json:"code"`
	FirstName      string `json:"first_name"`
	FatherName     string `json:"father_name"`
	FamilyName     string `json:"family_name"`
	Phone          string `json:"phone"`
	GuardianPhone  string `json:"guardian_phone"`
	ChatID         string `json:"chat_id"`
	GuardianChatID string `json:"guardian_chat_id"`
}

func (s Student) FullName() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{s.FirstName, s.FatherName, s.FamilyName} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// ChatFor returns the linked chat id for the role, or "" when not linked.
func (s Student) ChatFor(role Role) string {
	if role == RoleGuardian {
		return s.GuardianChatID
	}
	return s.ChatID
}

// RecordKind tags an entry of a student's history.
type RecordKind string

const (
	KindExam       RecordKind = "exam"
	KindAttendance RecordKind = "attendance"
	KindPayment    RecordKind = "payment"
)

// StudentRecord is one exam mark, attendance mark or monthly payment
// status. Seq is assigned by the store and orders a student's history.
type StudentRecord struct {
	Seq  int64      `json:"seq"`
	Code string     `json:"code"`
	Kind RecordKind `json:"kind"`
	At   time.Time  `json:"at"`
	// Exams.
	Score int `json:"score,omitempty"`
	Total int `json:"total,omitempty"`
	// Attendance ("present", "absent") and payments ("paid", "unpaid").
	Status string `json:"status,omitempty"`
	// Month is "YYYY-MM" for payments.
	Month string `json:"month,omitempty"`
}
