package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "tutorbot/pkg/logx"
)

const fileCompactEvery = 500

// fileStore keeps all state in memory and persists it as:
//   - <prefix>.snapshot.json (compacted state)
//   - <prefix>.journal.jsonl (append-only ops since the snapshot)
//
// Every mutation is appended and fsynced before it is applied, so a record
// acknowledged by InsertPending survives a crash.
type fileStore struct {
	log logx.Logger

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	writes       int

	state fileState
}

type fileState struct {
	NextSeq  int64                    `json:"next_seq"`
	Pending  map[string]PendingRecord `json:"pending"`
	Students map[string]Student       `json:"students"`
	Records  []StudentRecord          `json:"records,omitempty"`
}

type journalOp struct {
	Op      string         `json:"op"` // put | del | student | record
	Pending *PendingRecord `json:"pending,omitempty"`
	ID      string         `json:"id,omitempty"`
	Student *Student       `json:"student,omitempty"`
	Record  *StudentRecord `json:"record,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	st := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		state:        fileState{Pending: map[string]PendingRecord{}, Students: map[string]Student{}},
	}
	if err := loadSnapshot(st.snapshotPath, &st.state); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	journalPath := prefix + ".journal.jsonl"
	if err := st.replay(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	st.journal = jf
	if err := st.compactLocked(); err != nil {
		log.Warn("file store compact failed", logx.Err(err))
	}
	return st, nil
}

func loadSnapshot(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var s fileState
	if err := json.NewDecoder(f).Decode(&s); err != nil {
		return err
	}
	out.NextSeq = s.NextSeq
	for k, v := range s.Pending {
		out.Pending[k] = v
	}
	for k, v := range s.Students {
		out.Students[k] = v
	}
	out.Records = append(out.Records, s.Records...)
	return nil
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			// torn tail write
			s.log.Warn("skipping corrupt journal line", logx.Err(err))
			continue
		}
		s.applyLocked(op)
	}
	return sc.Err()
}

func (s *fileStore) applyLocked(op journalOp) {
	switch op.Op {
	case "put":
		if op.Pending == nil {
			return
		}
		s.state.Pending[op.Pending.ID] = *op.Pending
		if op.Pending.Seq >= s.state.NextSeq {
			s.state.NextSeq = op.Pending.Seq + 1
		}
	case "del":
		delete(s.state.Pending, op.ID)
	case "student":
		if op.Student != nil {
			s.state.Students[op.Student.Code] = *op.Student
		}
	case "record":
		if op.Record != nil {
			s.state.Records = append(s.state.Records, *op.Record)
			if op.Record.Seq >= s.state.NextSeq {
				s.state.NextSeq = op.Record.Seq + 1
			}
		}
	}
}

// commitLocked makes op durable, then applies it.
func (s *fileStore) commitLocked(op journalOp) error {
	if s.journal == nil {
		return ErrClosed
	}
	b, err := json.Marshal(op)
	if err != nil {
		return err
	}
	if _, err := s.journal.Write(append(b, '\n')); err != nil {
		return err
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}
	s.applyLocked(op)
	s.writes++
	if s.writes%fileCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("file store compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) InsertPending(ctx context.Context, rec PendingRecord) (PendingRecord, error) {
	if err := ctx.Err(); err != nil {
		return PendingRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.state.Pending[rec.ID]; dup {
		return PendingRecord{}, errors.New("pending record already exists: " + rec.ID)
	}
	if s.state.NextSeq < 1 {
		s.state.NextSeq = 1
	}
	rec.Seq = s.state.NextSeq
	if err := s.commitLocked(journalOp{Op: "put", Pending: &rec}); err != nil {
		return PendingRecord{}, err
	}
	return rec, nil
}

func (s *fileStore) ListPending(ctx context.Context, channel string) ([]PendingRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	out := make([]PendingRecord, 0, len(s.state.Pending))
	for _, r := range s.state.Pending {
		if r.Channel == channel {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *fileStore) DeletePending(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Pending[id]; !ok {
		return ErrNotFound
	}
	return s.commitLocked(journalOp{Op: "del", ID: id})
}

func (s *fileStore) PendingStats(ctx context.Context, channel string) (PendingStats, error) {
	if err := ctx.Err(); err != nil {
		return PendingStats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var st PendingStats
	for _, r := range s.state.Pending {
		if channel != "" && r.Channel != channel {
			continue
		}
		st.Count++
		if st.Oldest.IsZero() || r.CreatedAt.Before(st.Oldest) {
			st.Oldest = r.CreatedAt
		}
	}
	return st, nil
}

func (s *fileStore) PurgePendingBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, r := range s.state.Pending {
		if r.CreatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	for i, id := range ids {
		if err := s.commitLocked(journalOp{Op: "del", ID: id}); err != nil {
			return i, err
		}
	}
	return len(ids), nil
}

func (s *fileStore) UpsertStudent(ctx context.Context, st Student) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(st.Code) == "" {
		return errors.New("student code is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.state.Students[st.Code]; ok {
		if st.ChatID == "" {
			st.ChatID = prev.ChatID
		}
		if st.GuardianChatID == "" {
			st.GuardianChatID = prev.GuardianChatID
		}
	}
	return s.commitLocked(journalOp{Op: "student", Student: &st})
}

func (s *fileStore) GetStudent(ctx context.Context, code string) (Student, error) {
	if err := ctx.Err(); err != nil {
		return Student{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state.Students[code]
	if !ok {
		return Student{}, ErrNotFound
	}
	return st, nil
}

func (s *fileStore) ListStudents(ctx context.Context) ([]Student, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]Student, 0, len(s.state.Students))
	for _, st := range s.state.Students {
		out = append(out, st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *fileStore) LinkChat(ctx context.Context, code string, role Role, chatID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state.Students[code]
	if !ok {
		return ErrNotFound
	}
	if role == RoleGuardian {
		st.GuardianChatID = chatID
	} else {
		st.ChatID = chatID
	}
	return s.commitLocked(journalOp{Op: "student", Student: &st})
}

// AddRecord shares the pending sequence so a record's Seq is unique
// across the journal.
func (s *fileStore) AddRecord(ctx context.Context, rec StudentRecord) (StudentRecord, error) {
	if err := ctx.Err(); err != nil {
		return StudentRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Students[rec.Code]; !ok {
		return StudentRecord{}, ErrNotFound
	}
	if s.state.NextSeq < 1 {
		s.state.NextSeq = 1
	}
	rec.Seq = s.state.NextSeq
	if err := s.commitLocked(journalOp{Op: "record", Record: &rec}); err != nil {
		return StudentRecord{}, err
	}
	return rec, nil
}

func (s *fileStore) ListRecords(ctx context.Context, code string, kind RecordKind) ([]StudentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StudentRecord
	for _, r := range s.state.Records {
		if r.Code == code && r.Kind == kind {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
