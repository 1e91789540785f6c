package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "guildtimer/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.kv.snapshot.json (periodic snapshot)
//   - <prefix>.kv.journal.jsonl (append-only journal)
//
// The journal is replayed over the snapshot on open and compacted into it
// every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	data         map[string]map[string][]byte

	writes       int
	compactEvery int
}

const (
	opSet  = "set"
	opDel  = "del"
	opDrop = "drop"
)

type journalRecord struct {
	Op         string `json:"op"`
	Collection string `json:"c"`
	Field      string `json:"f,omitempty"`
	Value      []byte `json:"v,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".kv.snapshot.json"
	journalPath := prefix + ".kv.journal.jsonl"

	data := map[string]map[string][]byte{}
	if err := loadSnapshot(snapPath, data); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("kv snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, data); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("kv journal replay incomplete", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		data:         data,
		compactEvery: 1000,
	}
	// Start every process with a short journal.
	s.mu.Lock()
	if err := s.compactLocked(); err != nil {
		log.Debug("kv compact on open failed", logx.Err(err))
	}
	s.mu.Unlock()
	return s, nil
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

func (s *fileStore) Get(_ context.Context, collection, field string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, false, ErrClosed
	}
	v, ok := s.data[collection][field]
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(v), true, nil
}

func (s *fileStore) Set(_ context.Context, collection, field string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(journalRecord{Op: opSet, Collection: collection, Field: field, Value: cloneBytes(value)})
}

func (s *fileStore) Delete(_ context.Context, collection, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[collection][field]; !ok {
		if s.journal == nil {
			return ErrClosed
		}
		return nil
	}
	return s.appendLocked(journalRecord{Op: opDel, Collection: collection, Field: field})
}

func (s *fileStore) GetAll(_ context.Context, collection string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	out := make(map[string][]byte, len(s.data[collection]))
	for k, v := range s.data[collection] {
		out[k] = cloneBytes(v)
	}
	return out, nil
}

func (s *fileStore) DeleteCollection(_ context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[collection]; !ok {
		if s.journal == nil {
			return ErrClosed
		}
		return nil
	}
	return s.appendLocked(journalRecord{Op: opDrop, Collection: collection})
}

// appendLocked journals rec and applies it before any compaction, so the
// snapshot always contains the write that triggered it.
func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	applyRecord(s.data, rec)
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("kv compact failed", logx.Err(err))
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
	if err := json.NewEncoder(f).Encode(s.data); err != nil {
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

func applyRecord(data map[string]map[string][]byte, r journalRecord) {
	switch r.Op {
	case opSet:
		c := data[r.Collection]
		if c == nil {
			c = map[string][]byte{}
			data[r.Collection] = c
		}
		c[r.Field] = r.Value
	case opDel:
		if c := data[r.Collection]; c != nil {
			delete(c, r.Field)
			if len(c) == 0 {
				delete(data, r.Collection)
			}
		}
	case opDrop:
		delete(data, r.Collection)
	}
}

func loadSnapshot(path string, out map[string]map[string][]byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]map[string][]byte
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]map[string][]byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn final line after a crash is expected; skip it.
			continue
		}
		if r.Collection == "" {
			continue
		}
		applyRecord(out, r)
	}
	return sc.Err()
}
