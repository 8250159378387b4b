package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "tutorbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One writer; WAL keeps readers concurrent.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	st := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) InsertPending(ctx context.Context, rec PendingRecord) (PendingRecord, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_notifications(id, channel, chat_id, message, created_at) VALUES(?,?,?,?,?)`,
		rec.ID, rec.Channel, rec.RecipientID, rec.Body, rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return PendingRecord{}, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return PendingRecord{}, err
	}
	rec.Seq = seq
	return rec, nil
}

func (s *sqliteStore) ListPending(ctx context.Context, channel string) ([]PendingRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, channel, chat_id, message, created_at FROM pending_notifications
		 WHERE channel = ? ORDER BY seq`, channel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingRecord
	for rows.Next() {
		var (
			r  PendingRecord
			ns int64
		)
		if err := rows.Scan(&r.Seq, &r.ID, &r.Channel, &r.RecipientID, &r.Body, &ns); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(0, ns)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeletePending(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_notifications WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) PendingStats(ctx context.Context, channel string) (PendingStats, error) {
	q := `SELECT COUNT(*), COALESCE(MIN(created_at), 0) FROM pending_notifications`
	args := []any{}
	if channel != "" {
		q += ` WHERE channel = ?`
		args = append(args, channel)
	}
	var (
		st PendingStats
		ns int64
	)
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&st.Count, &ns); err != nil {
		return PendingStats{}, err
	}
	if st.Count > 0 {
		st.Oldest = time.Unix(0, ns)
	}
	return st, nil
}

func (s *sqliteStore) PurgePendingBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_notifications WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) UpsertStudent(ctx context.Context, st Student) error {
	if strings.TrimSpace(st.Code) == "" {
		return errors.New("student code is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO students(code, first_name, father_name, family_name, phone, guardian_phone, chat_id, guardian_chat_id, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(code) DO UPDATE SET
		   first_name=excluded.first_name, father_name=excluded.father_name, family_name=excluded.family_name,
		   phone=excluded.phone, guardian_phone=excluded.guardian_phone,
		   chat_id=CASE WHEN excluded.chat_id != '' THEN excluded.chat_id ELSE students.chat_id END,
		   guardian_chat_id=CASE WHEN excluded.guardian_chat_id != '' THEN excluded.guardian_chat_id ELSE students.guardian_chat_id END,
		   updated_at=excluded.updated_at`,
		st.Code, st.FirstName, st.FatherName, st.FamilyName, st.Phone, st.GuardianPhone,
		st.ChatID, st.GuardianChatID, time.Now().UnixNano(),
	)
	return err
}

func (s *sqliteStore) GetStudent(ctx context.Context, code string) (Student, error) {
	var st Student
	err := s.db.QueryRowContext(ctx,
		`SELECT code, first_name, father_name, family_name, phone, guardian_phone, chat_id, guardian_chat_id
		 FROM students WHERE code = ?`, code,
	).Scan(&st.Code, &st.FirstName, &st.FatherName, &st.FamilyName, &st.Phone, &st.GuardianPhone, &st.ChatID, &st.GuardianChatID)
	if errors.Is(err, sql.ErrNoRows) {
		return Student{}, ErrNotFound
	}
	return st, err
}

func (s *sqliteStore) ListStudents(ctx context.Context) ([]Student, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, first_name, father_name, family_name, phone, guardian_phone, chat_id, guardian_chat_id
		 FROM students ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Student
	for rows.Next() {
		var st Student
		if err := rows.Scan(&st.Code, &st.FirstName, &st.FatherName, &st.FamilyName, &st.Phone, &st.GuardianPhone, &st.ChatID, &st.GuardianChatID); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LinkChat(ctx context.Context, code string, role Role, chatID string) error {
	col := "chat_id"
	if role == RoleGuardian {
		col = "guardian_chat_id"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE students SET `+col+` = ?, updated_at = ? WHERE code = ?`,
		chatID, time.Now().UnixNano(), code,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) AddRecord(ctx context.Context, rec StudentRecord) (StudentRecord, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM students WHERE code = ?`, rec.Code).Scan(&exists); err != nil {
		return StudentRecord{}, err
	}
	if exists == 0 {
		return StudentRecord{}, ErrNotFound
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO student_records(code, kind, at, score, total, status, month) VALUES(?,?,?,?,?,?,?)`,
		rec.Code, string(rec.Kind), rec.At.UnixNano(), rec.Score, rec.Total, rec.Status, rec.Month,
	)
	if err != nil {
		return StudentRecord{}, err
	}
	if rec.Seq, err = res.LastInsertId(); err != nil {
		return StudentRecord{}, err
	}
	return rec, nil
}

func (s *sqliteStore) ListRecords(ctx context.Context, code string, kind RecordKind) ([]StudentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, code, kind, at, score, total, status, month FROM student_records
		 WHERE code = ? AND kind = ? ORDER BY seq`, code, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StudentRecord
	for rows.Next() {
		var (
			r  StudentRecord
			k  string
			ns int64
		)
		if err := rows.Scan(&r.Seq, &r.Code, &k, &ns, &r.Score, &r.Total, &r.Status, &r.Month); err != nil {
			return nil, err
		}
		r.Kind = RecordKind(k)
		r.At = time.Unix(0, ns)
		out = append(out, r)
	}
	return out, rows.Err()
}
