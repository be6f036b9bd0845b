package document

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Status is the global state of a document.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
	StatusCancelled  Status = "cancelled"
)

// Inputs are the task parameters supplied at start.
type Inputs struct {
	Objective       string   `json:"objective"`
	ContextSnapshot string   `json:"context_snapshot,omitempty"`
	CandidateLimit  int      `json:"candidate_limit,omitempty"`
	ToolCatalog     []string `json:"tool_catalog,omitempty"`
}

// Anchor names one section of a document and the stage that produces it.
type Anchor struct {
	Name  string `json:"name"`
	Stage string `json:"stage"`
	Title string `json:"title,omitempty"`
}

// Document is one task instance.
type Document struct {
	TaskID       string    `json:"task_id"`
	Inputs       Inputs    `json:"inputs"`
	Status       Status    `json:"status"`
	StatusReason string    `json:"status_reason,omitempty"`
	Anchors      []Anchor  `json:"anchors"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Anchors = append([]Anchor(nil), d.Anchors...)
	c.Inputs.ToolCatalog = append([]string(nil), d.Inputs.ToolCatalog...)
	return &c
}

// Section is one anchor of a document. A section is either a placeholder
// (Version 0) or a committed, schema-valid payload.
type Section struct {
	TaskID          string          `json:"task_id"`
	Anchor          string          `json:"anchor"`
	Stage           string          `json:"stage"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Placeholder     bool            `json:"placeholder"`
	Degraded        bool            `json:"degraded"`
	DegradedReasons []string        `json:"degraded_reasons,omitempty"`
	Version         int64           `json:"version"`
	Hash            string          `json:"hash,omitempty"`
	Writer          string          `json:"writer,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so callers never share the stored value.
func (s *Section) Clone() *Section {
	if s == nil {
		return nil
	}
	c := *s
	c.Payload = append(json.RawMessage(nil), s.Payload...)
	c.DegradedReasons = append([]string(nil), s.DegradedReasons...)
	return &c
}

// NewPlaceholder builds the TBD section for an anchor.
func NewPlaceholder(taskID string, anchor Anchor, at time.Time) *Section {
	return &Section{
		TaskID:      taskID,
		Anchor:      anchor.Name,
		Stage:       anchor.Stage,
		Placeholder: true,
		UpdatedAt:   at,
	}
}

// AuditRecord is an immutable trace of one committed write.
type AuditRecord struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	Anchor     string    `json:"anchor"`
	OldHash    string    `json:"old_hash"`
	NewHash    string    `json:"new_hash"`
	OldVersion int64     `json:"old_version"`
	NewVersion int64     `json:"new_version"`
	Writer     string    `json:"writer"`
	At         time.Time `json:"at"`
}

// WriteRequest replaces an anchor's content. ExpectedVersion is the version
// the writer observed when it took its context snapshot.
type WriteRequest struct {
	Anchor          string          `json:"anchor"`
	Stage           string          `json:"stage"`
	Payload         json.RawMessage `json:"payload"`
	Degraded        bool            `json:"degraded"`
	DegradedReasons []string        `json:"degraded_reasons,omitempty"`
	ExpectedVersion int64           `json:"expected_version"`
	Writer          string          `json:"writer"`
}

// WriteResult describes a successful write.
type WriteResult struct {
	Section *Section
	Audit   *AuditRecord
	// Unchanged is set when the payload matched the stored one and nothing was written.
	Unchanged bool
}

// HashPayload returns the hex sha256 of a payload. Placeholders hash to "".
func HashPayload(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// RunState is the orchestrator state of a stage run.
type RunState string

const (
	RunQueued    RunState = "queued"
	RunRunning   RunState = "running"
	RunCommitted RunState = "committed"
	RunRejected  RunState = "rejected"
)

// RejectReason classifies why a run was rejected.
type RejectReason string

const (
	ReasonNone                RejectReason = ""
	ReasonValidationError     RejectReason = "ValidationError"
	ReasonMissingHandoffField RejectReason = "MissingHandoffField"
	ReasonConflict            RejectReason = "ConflictError"
	ReasonExecutorTimeout     RejectReason = "ExecutorTimeout"
	ReasonExecutorFailure     RejectReason = "ExecutorFailure"
	ReasonCancelled           RejectReason = "Cancelled"
)

// StageRun is one execution attempt of a stage against a document.
// Window numbers the retry window the attempt belongs to; an explicit retry
// opens a new window and only rejections of the current window count
// towards the ceiling.
type StageRun struct {
	ID               string           `json:"id"`
	TaskID           string           `json:"task_id"`
	Stage            string           `json:"stage"`
	Attempt          int              `json:"attempt"`
	Window           int              `json:"window"`
	State            RunState         `json:"state"`
	Reason           RejectReason     `json:"reason,omitempty"`
	Error            string           `json:"error,omitempty"`
	ErrorCode        string           `json:"error_code,omitempty"`
	Snapshot         map[string]int64 `json:"snapshot,omitempty"`
	Degraded         bool             `json:"degraded"`
	DegradedReasons  []string         `json:"degraded_reasons,omitempty"`
	CommittedVersion int64            `json:"committed_version,omitempty"`
	Unchanged        bool             `json:"unchanged,omitempty"`
	QueuedAt         time.Time        `json:"queued_at"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	EndedAt          *time.Time       `json:"ended_at,omitempty"`
}

// Clone returns a deep copy.
func (r *StageRun) Clone() *StageRun {
	if r == nil {
		return nil
	}
	c := *r
	if r.Snapshot != nil {
		c.Snapshot = make(map[string]int64, len(r.Snapshot))
		for k, v := range r.Snapshot {
			c.Snapshot[k] = v
		}
	}
	c.DegradedReasons = append([]string(nil), r.DegradedReasons...)
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// Finished reports whether the run reached a terminal state.
func (r *StageRun) Finished() bool {
	return r.State == RunCommitted || r.State == RunRejected
}
