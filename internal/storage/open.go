package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "tutorbot/pkg/logx"
)

type PendingStore interface {
	// InsertPending stores rec and returns it with Seq assigned.
	InsertPending(ctx context.Context, rec PendingRecord) (PendingRecord, error)
	// ListPending returns the channel's records in insertion order.
	ListPending(ctx context.Context, channel string) ([]PendingRecord, error)
	// DeletePending returns ErrNotFound when id is unknown.
	DeletePending(ctx context.Context, id string) error
	// PendingStats covers every channel when channel is "".
	PendingStats(ctx context.Context, channel string) (PendingStats, error)
	PurgePendingBefore(ctx context.Context, cutoff time.Time) (int, error)
}

type StudentStore interface {
	UpsertStudent(ctx context.Context, s Student) error
	// GetStudent returns ErrNotFound when code is unknown.
	GetStudent(ctx context.Context, code string) (Student, error)
	// LinkChat records chatID for the student or their guardian.
	LinkChat(ctx context.Context, code string, role Role, chatID string) error
	// ListStudents returns every student ordered by code.
	ListStudents(ctx context.Context) ([]Student, error)
	// AddRecord appends to a student's history and returns rec with Seq set.
	// It returns ErrNotFound when the student is unknown.
	AddRecord(ctx context.Context, rec StudentRecord) (StudentRecord, error)
	// ListRecords returns the student's records of kind, oldest first.
	ListRecords(ctx context.Context, code string, kind RecordKind) ([]StudentRecord, error)
}

type Store interface {
	PendingStore
	StudentStore
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
