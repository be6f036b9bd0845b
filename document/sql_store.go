package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/stageflow/internal/database"
)

// =============================================================================
// 🗄️ GORM 模型
// =============================================================================

type documentModel struct {
	TaskID       string `gorm:"primaryKey;size:128"`
	Inputs       string `gorm:"type:text"`
	Status       string `gorm:"size:32;index"`
	StatusReason string `gorm:"type:text"`
	Anchors      string `gorm:"type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (documentModel) TableName() string { return "documents" }

type sectionModel struct {
	TaskID          string `gorm:"primaryKey;size:128"`
	Anchor          string `gorm:"primaryKey;size:64"`
	Stage           string `gorm:"size:64"`
	Payload         string `gorm:"type:text"`
	Placeholder     bool
	Degraded        bool
	DegradedReasons string `gorm:"type:text"`
	Version         int64
	Hash            string `gorm:"size:64"`
	Writer          string `gorm:"size:255"`
	UpdatedAt       time.Time
}

func (sectionModel) TableName() string { return "sections" }

type auditModel struct {
	ID         string `gorm:"primaryKey;size:64"`
	TaskID     string `gorm:"size:128;index"`
	Anchor     string `gorm:"size:64"`
	OldHash    string `gorm:"size:64"`
	NewHash    string `gorm:"size:64"`
	OldVersion int64
	NewVersion int64
	Writer     string `gorm:"size:255"`
	At         time.Time
}

func (auditModel) TableName() string { return "audit_records" }

type runModel struct {
	ID       string `gorm:"primaryKey;size:64"`
	TaskID   string `gorm:"size:128;index"`
	Stage    string `gorm:"size:64"`
	Attempt  int
	State    string `gorm:"size:32"`
	Data     string `gorm:"type:text"`
	QueuedAt time.Time
}

func (runModel) TableName() string { return "stage_runs" }

// Models lists the gorm models backing the SQL store.
func Models() []any {
	return []any{&documentModel{}, &sectionModel{}, &auditModel{}, &runModel{}}
}

func toDocumentModel(doc *Document) (*documentModel, error) {
	inputs, err := json.Marshal(doc.Inputs)
	if err != nil {
		return nil, err
	}
	anchors, err := json.Marshal(doc.Anchors)
	if err != nil {
		return nil, err
	}
	return &documentModel{
		TaskID:       doc.TaskID,
		Inputs:       string(inputs),
		Status:       string(doc.Status),
		StatusReason: doc.StatusReason,
		Anchors:      string(anchors),
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}, nil
}

func (m *documentModel) toDocument() (*Document, error) {
	doc := &Document{
		TaskID:       m.TaskID,
		Status:       Status(m.Status),
		StatusReason: m.StatusReason,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(m.Inputs), &doc.Inputs); err != nil {
		return nil, fmt.Errorf("decode inputs of %s: %w", m.TaskID, err)
	}
	if err := json.Unmarshal([]byte(m.Anchors), &doc.Anchors); err != nil {
		return nil, fmt.Errorf("decode anchors of %s: %w", m.TaskID, err)
	}
	return doc, nil
}

func toSectionModel(sec *Section) (*sectionModel, error) {
	reasons, err := json.Marshal(sec.DegradedReasons)
	if err != nil {
		return nil, err
	}
	return &sectionModel{
		TaskID:          sec.TaskID,
		Anchor:          sec.Anchor,
		Stage:           sec.Stage,
		Payload:         string(sec.Payload),
		Placeholder:     sec.Placeholder,
		Degraded:        sec.Degraded,
		DegradedReasons: string(reasons),
		Version:         sec.Version,
		Hash:            sec.Hash,
		Writer:          sec.Writer,
		UpdatedAt:       sec.UpdatedAt,
	}, nil
}

func (m *sectionModel) toSection() *Section {
	sec := &Section{
		TaskID:      m.TaskID,
		Anchor:      m.Anchor,
		Stage:       m.Stage,
		Placeholder: m.Placeholder,
		Degraded:    m.Degraded,
		Version:     m.Version,
		Hash:        m.Hash,
		Writer:      m.Writer,
		UpdatedAt:   m.UpdatedAt,
	}
	if m.Payload != "" {
		sec.Payload = json.RawMessage(m.Payload)
	}
	if m.DegradedReasons != "" && m.DegradedReasons != "null" {
		_ = json.Unmarshal([]byte(m.DegradedReasons), &sec.DegradedReasons)
	}
	return sec
}

func (m *auditModel) toRecord() *AuditRecord {
	return &AuditRecord{
		ID:         m.ID,
		TaskID:     m.TaskID,
		Anchor:     m.Anchor,
		OldHash:    m.OldHash,
		NewHash:    m.NewHash,
		OldVersion: m.OldVersion,
		NewVersion: m.NewVersion,
		Writer:     m.Writer,
		At:         m.At,
	}
}

// =============================================================================
// 🎯 SQLStore
// =============================================================================

// SQLStore persists documents through gorm. The section CAS is an
// UPDATE guarded by the expected version, committed together with the
// audit row in one transaction.
type SQLStore struct {
	pool       *database.PoolManager
	maxRetries int
	opts       options
	logger     *zap.Logger
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a SQL store on top of a pool manager. When
// autoMigrate is set the tables are created through gorm.
func NewSQLStore(pool *database.PoolManager, autoMigrate bool, logger *zap.Logger, opts ...Option) (*SQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if autoMigrate {
		if err := pool.DB().AutoMigrate(Models()...); err != nil {
			return nil, fmt.Errorf("auto migrate document tables: %w", err)
		}
	}
	return &SQLStore{
		pool:       pool,
		maxRetries: 3,
		opts:       buildOptions(opts),
		logger:     logger.With(zap.String("component", "sql_document_store")),
	}, nil
}

func (s *SQLStore) db(ctx context.Context) *gorm.DB {
	return s.pool.DB().WithContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *SQLStore) Create(ctx context.Context, doc *Document) error {
	if err := checkNewDocument(doc); err != nil {
		return err
	}
	now := s.opts.now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	dm, err := toDocumentModel(doc)
	if err != nil {
		return err
	}
	sections := make([]*sectionModel, 0, len(doc.Anchors))
	for _, a := range doc.Anchors {
		sm, err := toSectionModel(NewPlaceholder(doc.TaskID, a, now))
		if err != nil {
			return err
		}
		sections = append(sections, sm)
	}

	return s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&documentModel{}).Where("task_id = ?", doc.TaskID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrAlreadyExists
		}
		if err := tx.Create(dm).Error; err != nil {
			return err
		}
		return tx.Create(&sections).Error
	})
}

func (s *SQLStore) Get(ctx context.Context, taskID string) (*Document, error) {
	var m documentModel
	if err := s.db(ctx).Where("task_id = ?", taskID).First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return m.toDocument()
}

func (s *SQLStore) List(ctx context.Context, filter ListFilter) ([]*Document, error) {
	q := s.db(ctx).Model(&documentModel{}).Order("created_at DESC").Order("task_id ASC")
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			statuses[i] = string(st)
		}
		q = q.Where("status IN ?", statuses)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var rows []documentModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*Document, 0, len(rows))
	for i := range rows {
		doc, err := rows[i].toDocument()
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func (s *SQLStore) SetStatus(ctx context.Context, taskID string, status Status, reason string) error {
	res := s.db(ctx).Model(&documentModel{}).Where("task_id = ?", taskID).Updates(map[string]any{
		"status":        string(status),
		"status_reason": reason,
		"updated_at":    s.opts.now(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Read(ctx context.Context, taskID, anchor string) (*Section, error) {
	var m sectionModel
	if err := s.db(ctx).Where("task_id = ? AND anchor = ?", taskID, anchor).First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return m.toSection(), nil
}

func (s *SQLStore) ReadAll(ctx context.Context, taskID string) ([]*Section, error) {
	doc, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var rows []sectionModel
	if err := s.db(ctx).Where("task_id = ?", taskID).Find(&rows).Error; err != nil {
		return nil, err
	}
	byAnchor := make(map[string]*sectionModel, len(rows))
	for i := range rows {
		byAnchor[rows[i].Anchor] = &rows[i]
	}
	out := make([]*Section, 0, len(doc.Anchors))
	for _, a := range doc.Anchors {
		m, ok := byAnchor[a.Name]
		if !ok {
			return nil, fmt.Errorf("section %s missing: %w", a.Name, ErrNotFound)
		}
		out = append(out, m.toSection())
	}
	return out, nil
}

func (s *SQLStore) Write(ctx context.Context, taskID string, req WriteRequest) (*WriteResult, error) {
	if err := checkWriteRequest(taskID, req, s.opts.validator); err != nil {
		return nil, err
	}

	var result *WriteResult
	err := s.pool.WithTransactionRetry(ctx, s.maxRetries, func(tx *gorm.DB) error {
		var m sectionModel
		if err := tx.Where("task_id = ? AND anchor = ?", taskID, req.Anchor).First(&m).Error; err != nil {
			return notFound(err)
		}
		current := m.toSection()
		res, err := applyWrite(current, req, s.opts.now())
		if err != nil {
			return err
		}
		result = res
		if res.Unchanged {
			return nil
		}

		next, err := toSectionModel(res.Section)
		if err != nil {
			return err
		}
		upd := tx.Model(&sectionModel{}).
			Where("task_id = ? AND anchor = ? AND version = ?", taskID, req.Anchor, current.Version).
			Updates(map[string]any{
				"payload":          next.Payload,
				"placeholder":      false,
				"degraded":         next.Degraded,
				"degraded_reasons": next.DegradedReasons,
				"version":          next.Version,
				"hash":             next.Hash,
				"writer":           next.Writer,
				"updated_at":       next.UpdatedAt,
			})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			return newConflictError(taskID, req.Anchor, req.ExpectedVersion, -1)
		}

		a := res.Audit
		return tx.Create(&auditModel{
			ID:         a.ID,
			TaskID:     a.TaskID,
			Anchor:     a.Anchor,
			OldHash:    a.OldHash,
			NewHash:    a.NewHash,
			OldVersion: a.OldVersion,
			NewVersion: a.NewVersion,
			Writer:     a.Writer,
			At:         a.At,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) Audit(ctx context.Context, taskID, anchor string) ([]*AuditRecord, error) {
	if _, err := s.Get(ctx, taskID); err != nil {
		return nil, err
	}
	q := s.db(ctx).Where("task_id = ?", taskID)
	if anchor != "" {
		q = q.Where("anchor = ?", anchor)
	}
	var rows []auditModel
	if err := q.Order("at ASC").Order("anchor ASC").Order("new_version ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*AuditRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toRecord())
	}
	return out, nil
}

func (s *SQLStore) SaveRun(ctx context.Context, run *StageRun) error {
	if run == nil || run.ID == "" || run.TaskID == "" {
		return ErrInvalidInput
	}
	if _, err := s.Get(ctx, run.TaskID); err != nil {
		return err
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	return s.db(ctx).Save(&runModel{
		ID:       run.ID,
		TaskID:   run.TaskID,
		Stage:    run.Stage,
		Attempt:  run.Attempt,
		State:    string(run.State),
		Data:     string(data),
		QueuedAt: run.QueuedAt,
	}).Error
}

func (s *SQLStore) ListRuns(ctx context.Context, taskID string) ([]*StageRun, error) {
	if _, err := s.Get(ctx, taskID); err != nil {
		return nil, err
	}
	var rows []runModel
	if err := s.db(ctx).Where("task_id = ?", taskID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*StageRun, 0, len(rows))
	for i := range rows {
		var run StageRun
		if err := json.Unmarshal([]byte(rows[i].Data), &run); err != nil {
			return nil, fmt.Errorf("decode run %s: %w", rows[i].ID, err)
		}
		out = append(out, &run)
	}
	sortRuns(out)
	return out, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close is a no-op: the pool belongs to the caller.
func (s *SQLStore) Close() error {
	return nil
}
