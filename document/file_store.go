package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	documentFile  = "document.json"
	sectionsDir   = "sections"
	runsDir       = "runs"
	lockFile      = ".lock"
	staleLockAge  = 30 * time.Second
	lockRetryWait = 10 * time.Millisecond
)

// sectionEnvelope is the on-disk form of one anchor. The section and its
// audit trail share a file so one rename commits both.
type sectionEnvelope struct {
	Section *Section       `json:"section"`
	Audit   []*AuditRecord `json:"audit"`
}

// FileStore 是基于文件系统的 Store 实现.
// 每个任务一个目录, 每个锚点一个 JSON 文件, 人可直接查看.
// 同一进程内按任务加互斥锁, 跨进程使用 O_EXCL 锁文件.
type FileStore struct {
	baseDir     string
	lockTimeout time.Duration
	opts        options
	logger      *zap.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	closed bool
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a file store rooted at cfg.BaseDir.
func NewFileStore(cfg StoreConfig, logger *zap.Logger, opts ...Option) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseDir := cfg.BaseDir
	if baseDir == "" {
		baseDir = DefaultStoreConfig().BaseDir
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create document store directory: %w", err)
	}
	timeout := cfg.LockTimeout
	if timeout <= 0 {
		timeout = DefaultStoreConfig().LockTimeout
	}
	return &FileStore{
		baseDir:     baseDir,
		lockTimeout: timeout,
		opts:        buildOptions(opts),
		logger:      logger.With(zap.String("component", "file_document_store")),
		locks:       make(map[string]*sync.Mutex),
	}, nil
}

// validName keeps ids usable as path elements.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\:`) && !strings.Contains(name, "..")
}

func (s *FileStore) taskDir(taskID string) string {
	return filepath.Join(s.baseDir, taskID)
}

func (s *FileStore) sectionPath(taskID, anchor string) string {
	return filepath.Join(s.taskDir(taskID), sectionsDir, anchor+".json")
}

func (s *FileStore) runPath(taskID, runID string) string {
	return filepath.Join(s.taskDir(taskID), runsDir, runID+".json")
}

func (s *FileStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// lock serializes writers of one task. The returned func releases both
// the in-process mutex and the lock file.
func (s *FileStore) lock(ctx context.Context, taskID string) (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	m, ok := s.locks[taskID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[taskID] = m
	}
	s.mu.Unlock()

	m.Lock()
	path := filepath.Join(s.taskDir(taskID), lockFile)
	deadline := time.Now().Add(s.lockTimeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
			_ = f.Close()
			return func() {
				_ = os.Remove(path)
				m.Unlock()
			}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			m.Unlock()
			if errors.Is(err, os.ErrNotExist) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("failed to acquire lock for %s: %w", taskID, err)
		}
		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			s.logger.Warn("removing stale document lock", zap.String("task_id", taskID))
			_ = os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			m.Unlock()
			return nil, fmt.Errorf("timed out waiting for lock on %s", taskID)
		}
		select {
		case <-ctx.Done():
			m.Unlock()
			return nil, ctx.Err()
		case <-time.After(lockRetryWait):
		}
	}
}

// 原子写: 写入临时文件后重命名
func writeFileAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *FileStore) Create(ctx context.Context, doc *Document) error {
	if err := checkNewDocument(doc); err != nil {
		return err
	}
	if !validName(doc.TaskID) {
		return fmt.Errorf("%w: task id %q", ErrInvalidInput, doc.TaskID)
	}
	for _, a := range doc.Anchors {
		if !validName(a.Name) {
			return fmt.Errorf("%w: anchor %q", ErrInvalidInput, a.Name)
		}
	}
	if err := s.checkOpen(); err != nil {
		return err
	}

	dir := s.taskDir(doc.TaskID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create document directory: %w", err)
	}
	for _, sub := range []string{sectionsDir, runsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("failed to create %s directory: %w", sub, err)
		}
	}

	unlock, err := s.lock(ctx, doc.TaskID)
	if err != nil {
		return err
	}
	defer unlock()

	now := s.opts.now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	for _, a := range doc.Anchors {
		env := sectionEnvelope{Section: NewPlaceholder(doc.TaskID, a, now), Audit: []*AuditRecord{}}
		if err := writeFileAtomic(s.sectionPath(doc.TaskID, a.Name), env); err != nil {
			return fmt.Errorf("failed to write placeholder %s: %w", a.Name, err)
		}
	}
	// document.json last: its presence marks a fully created document.
	if err := writeFileAtomic(filepath.Join(dir, documentFile), doc); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	s.logger.Debug("document created", zap.String("task_id", doc.TaskID), zap.Int("anchors", len(doc.Anchors)))
	return nil
}

func (s *FileStore) Get(ctx context.Context, taskID string) (*Document, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if !validName(taskID) {
		return nil, ErrNotFound
	}
	var doc Document
	if err := readJSON(filepath.Join(s.taskDir(taskID), documentFile), &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *FileStore) List(ctx context.Context, filter ListFilter) ([]*Document, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, err
	}
	result := make([]*Document, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		doc, err := s.Get(ctx, e.Name())
		if err != nil {
			continue
		}
		if matchesStatus(doc, filter) {
			result = append(result, doc)
		}
	}
	sortNewestFirst(result)
	return paginate(result, filter.Offset, filter.Limit), nil
}

func (s *FileStore) SetStatus(ctx context.Context, taskID string, status Status, reason string) error {
	if !validName(taskID) {
		return ErrNotFound
	}
	unlock, err := s.lock(ctx, taskID)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	doc.Status = status
	doc.StatusReason = reason
	doc.UpdatedAt = s.opts.now()
	return writeFileAtomic(filepath.Join(s.taskDir(taskID), documentFile), doc)
}

func (s *FileStore) readEnvelope(taskID, anchor string) (*sectionEnvelope, error) {
	if !validName(taskID) || !validName(anchor) {
		return nil, ErrNotFound
	}
	var env sectionEnvelope
	if err := readJSON(s.sectionPath(taskID, anchor), &env); err != nil {
		return nil, err
	}
	if env.Section == nil {
		return nil, fmt.Errorf("corrupt section file for %s/%s", taskID, anchor)
	}
	return &env, nil
}

func (s *FileStore) Read(ctx context.Context, taskID, anchor string) (*Section, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	env, err := s.readEnvelope(taskID, anchor)
	if err != nil {
		return nil, err
	}
	return env.Section, nil
}

func (s *FileStore) ReadAll(ctx context.Context, taskID string) ([]*Section, error) {
	doc, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	out := make([]*Section, 0, len(doc.Anchors))
	for _, a := range doc.Anchors {
		sec, err := s.Read(ctx, taskID, a.Name)
		if err != nil {
			return nil, fmt.Errorf("read section %s: %w", a.Name, err)
		}
		out = append(out, sec)
	}
	return out, nil
}

func (s *FileStore) Write(ctx context.Context, taskID string, req WriteRequest) (*WriteResult, error) {
	if err := checkWriteRequest(taskID, req, s.opts.validator); err != nil {
		return nil, err
	}
	if !validName(taskID) || !validName(req.Anchor) {
		return nil, ErrNotFound
	}
	unlock, err := s.lock(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	env, err := s.readEnvelope(taskID, req.Anchor)
	if err != nil {
		return nil, err
	}
	res, err := applyWrite(env.Section, req, s.opts.now())
	if err != nil || res.Unchanged {
		return res, err
	}

	next := sectionEnvelope{Section: res.Section, Audit: append(env.Audit, res.Audit)}
	if err := writeFileAtomic(s.sectionPath(taskID, req.Anchor), next); err != nil {
		return nil, fmt.Errorf("failed to write section %s: %w", req.Anchor, err)
	}
	s.logger.Debug("section written",
		zap.String("task_id", taskID),
		zap.String("anchor", req.Anchor),
		zap.Int64("version", res.Section.Version))
	return res, nil
}

func (s *FileStore) Audit(ctx context.Context, taskID, anchor string) ([]*AuditRecord, error) {
	if anchor != "" {
		if _, err := s.Get(ctx, taskID); err != nil {
			return nil, err
		}
		env, err := s.readEnvelope(taskID, anchor)
		if err != nil {
			return nil, err
		}
		return env.Audit, nil
	}

	doc, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	out := make([]*AuditRecord, 0)
	for _, a := range doc.Anchors {
		env, err := s.readEnvelope(taskID, a.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, env.Audit...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (s *FileStore) SaveRun(ctx context.Context, run *StageRun) error {
	if run == nil || !validName(run.ID) || !validName(run.TaskID) {
		return ErrInvalidInput
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := os.Stat(s.taskDir(run.TaskID)); err != nil {
		return ErrNotFound
	}
	return writeFileAtomic(s.runPath(run.TaskID, run.ID), run)
}

func (s *FileStore) ListRuns(ctx context.Context, taskID string) ([]*StageRun, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if !validName(taskID) {
		return nil, ErrNotFound
	}
	entries, err := os.ReadDir(filepath.Join(s.taskDir(taskID), runsDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := make([]*StageRun, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var run StageRun
		if err := readJSON(filepath.Join(s.taskDir(taskID), runsDir, e.Name()), &run); err != nil {
			s.logger.Warn("skipping unreadable run record", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		out = append(out, &run)
	}
	sortRuns(out)
	return out, nil
}

func (s *FileStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := os.Stat(s.baseDir)
	return err
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
