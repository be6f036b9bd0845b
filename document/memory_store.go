package document

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
// All state is lost when the process exits.
type MemoryStore struct {
	mu       sync.RWMutex
	docs     map[string]*Document
	sections map[string]map[string]*Section
	audit    map[string][]*AuditRecord
	runs     map[string]map[string]*StageRun
	closed   bool
	opts     options
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]*Document),
		sections: make(map[string]map[string]*Section),
		audit:    make(map[string][]*AuditRecord),
		runs:     make(map[string]map[string]*StageRun),
		opts:     buildOptions(opts),
	}
}

func (s *MemoryStore) Create(ctx context.Context, doc *Document) error {
	if err := checkNewDocument(doc); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.docs[doc.TaskID]; ok {
		return ErrAlreadyExists
	}

	now := s.opts.now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	secs := make(map[string]*Section, len(doc.Anchors))
	for _, a := range doc.Anchors {
		secs[a.Name] = NewPlaceholder(doc.TaskID, a, now)
	}
	s.docs[doc.TaskID] = doc.Clone()
	s.sections[doc.TaskID] = secs
	s.runs[doc.TaskID] = make(map[string]*StageRun)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, taskID string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	doc, ok := s.docs[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	result := make([]*Document, 0, len(s.docs))
	for _, doc := range s.docs {
		if matchesStatus(doc, filter) {
			result = append(result, doc.Clone())
		}
	}
	sortNewestFirst(result)
	return paginate(result, filter.Offset, filter.Limit), nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, taskID string, status Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	doc, ok := s.docs[taskID]
	if !ok {
		return ErrNotFound
	}
	doc.Status = status
	doc.StatusReason = reason
	doc.UpdatedAt = s.opts.now()
	return nil
}

func (s *MemoryStore) Read(ctx context.Context, taskID, anchor string) (*Section, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	sec, ok := s.sections[taskID][anchor]
	if !ok {
		return nil, ErrNotFound
	}
	return sec.Clone(), nil
}

func (s *MemoryStore) ReadAll(ctx context.Context, taskID string) ([]*Section, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	doc, ok := s.docs[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]*Section, 0, len(doc.Anchors))
	for _, a := range doc.Anchors {
		out = append(out, s.sections[taskID][a.Name].Clone())
	}
	return out, nil
}

func (s *MemoryStore) Write(ctx context.Context, taskID string, req WriteRequest) (*WriteResult, error) {
	if err := checkWriteRequest(taskID, req, s.opts.validator); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	current, ok := s.sections[taskID][req.Anchor]
	if !ok {
		return nil, ErrNotFound
	}

	res, err := applyWrite(current, req, s.opts.now())
	if err != nil || res.Unchanged {
		return res, err
	}
	s.sections[taskID][req.Anchor] = res.Section.Clone()
	s.audit[taskID] = append(s.audit[taskID], res.Audit)
	s.docs[taskID].UpdatedAt = res.Section.UpdatedAt
	return res, nil
}

func (s *MemoryStore) Audit(ctx context.Context, taskID, anchor string) ([]*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if _, ok := s.docs[taskID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]*AuditRecord, 0)
	for _, rec := range s.audit[taskID] {
		if anchor == "" || rec.Anchor == anchor {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveRun(ctx context.Context, run *StageRun) error {
	if run == nil || run.ID == "" || run.TaskID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	runs, ok := s.runs[run.TaskID]
	if !ok {
		return ErrNotFound
	}
	runs[run.ID] = run.Clone()
	return nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, taskID string) ([]*StageRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	runs, ok := s.runs[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]*StageRun, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.Clone())
	}
	sortRuns(out)
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func sortNewestFirst(docs []*Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].TaskID < docs[j].TaskID
		}
		return docs[i].CreatedAt.After(docs[j].CreatedAt)
	})
}

// sortRuns orders runs by queue time, then attempt, then id.
func sortRuns(runs []*StageRun) {
	sort.SliceStable(runs, func(i, j int) bool {
		a, b := runs[i], runs[j]
		if !a.QueuedAt.Equal(b.QueuedAt) {
			return a.QueuedAt.Before(b.QueuedAt)
		}
		if a.Attempt != b.Attempt {
			return a.Attempt < b.Attempt
		}
		return a.ID < b.ID
	})
}
