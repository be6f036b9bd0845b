package document

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/stageflow/types"
)

// newConflictError wraps ErrVersionConflict into the CONFLICT taxonomy code.
func newConflictError(taskID, anchor string, expected, actual int64) error {
	return types.Errorf(types.ErrConflict,
		"section %s/%s changed: expected version %d, found %d", taskID, anchor, expected, actual).
		WithCause(ErrVersionConflict).
		WithHTTPStatus(409).
		WithRetryable(true)
}

// IsConflict reports whether err is a section version conflict.
func IsConflict(err error) bool {
	return types.IsCode(err, types.ErrConflict)
}

// checkWriteRequest rejects malformed requests before any backend work.
func checkWriteRequest(taskID string, req WriteRequest, v PayloadValidator) error {
	if taskID == "" || req.Anchor == "" {
		return fmt.Errorf("%w: task id and anchor are required", ErrInvalidInput)
	}
	if req.ExpectedVersion < 0 {
		return fmt.Errorf("%w: negative expected version", ErrInvalidInput)
	}
	if len(req.Payload) == 0 {
		return fmt.Errorf("%w: empty payload for %s", ErrInvalidInput, req.Anchor)
	}
	if !json.Valid(req.Payload) {
		return types.Errorf(types.ErrValidation, "payload for %s is not valid JSON", req.Anchor).
			WithStage(req.Stage).WithHTTPStatus(422)
	}
	if v == nil {
		return nil
	}
	if err := v.ValidatePayload(req.Stage, req.Payload); err != nil {
		if _, ok := types.AsError(err); ok {
			return err
		}
		return types.Errorf(types.ErrValidation, "payload for %s rejected", req.Anchor).
			WithStage(req.Stage).WithHTTPStatus(422).WithCause(err)
	}
	return nil
}

// applyWrite computes the outcome of a write against the currently stored
// section. It never mutates current. A nil section in the result together
// with a nil error cannot happen.
func applyWrite(current *Section, req WriteRequest, now time.Time) (*WriteResult, error) {
	if req.Stage != "" && current.Stage != "" && req.Stage != current.Stage {
		return nil, fmt.Errorf("%w: anchor %s belongs to stage %s, not %s",
			ErrInvalidInput, current.Anchor, current.Stage, req.Stage)
	}
	if current.Version != req.ExpectedVersion {
		return nil, newConflictError(current.TaskID, current.Anchor, req.ExpectedVersion, current.Version)
	}

	hash := HashPayload(req.Payload)
	if !current.Placeholder && hash == current.Hash &&
		current.Degraded == req.Degraded && slices.Equal(current.DegradedReasons, req.DegradedReasons) {
		return &WriteResult{Section: current.Clone(), Unchanged: true}, nil
	}

	next := current.Clone()
	next.Payload = append(json.RawMessage(nil), req.Payload...)
	next.Placeholder = false
	next.Degraded = req.Degraded
	next.DegradedReasons = append([]string(nil), req.DegradedReasons...)
	next.Version = current.Version + 1
	next.Hash = hash
	next.Writer = req.Writer
	next.UpdatedAt = now

	audit := &AuditRecord{
		ID:         uuid.New().String(),
		TaskID:     current.TaskID,
		Anchor:     current.Anchor,
		OldHash:    current.Hash,
		NewHash:    hash,
		OldVersion: current.Version,
		NewVersion: next.Version,
		Writer:     req.Writer,
		At:         now,
	}
	return &WriteResult{Section: next, Audit: audit}, nil
}

// paginate applies offset/limit to an ordered slice.
func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func matchesStatus(doc *Document, filter ListFilter) bool {
	if len(filter.Status) == 0 {
		return true
	}
	return slices.Contains(filter.Status, doc.Status)
}

func checkNewDocument(doc *Document) error {
	if doc == nil || doc.TaskID == "" {
		return fmt.Errorf("%w: document requires a task id", ErrInvalidInput)
	}
	if len(doc.Anchors) == 0 {
		return fmt.Errorf("%w: document %s has no anchors", ErrInvalidInput, doc.TaskID)
	}
	seen := make(map[string]struct{}, len(doc.Anchors))
	for _, a := range doc.Anchors {
		if a.Name == "" {
			return fmt.Errorf("%w: empty anchor name", ErrInvalidInput)
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("%w: duplicate anchor %s", ErrInvalidInput, a.Name)
		}
		seen[a.Name] = struct{}{}
	}
	if doc.Status == "" {
		doc.Status = StatusPending
	}
	return nil
}
