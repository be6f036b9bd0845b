package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// maxWatchRetries bounds optimistic transaction retries on WATCH failures.
const maxWatchRetries = 3

// RedisStore is a Redis-based implementation of Store.
// Suitable for distributed production deployments: every section lives
// under its own key and CAS writes run in WATCH/MULTI transactions.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ownClient bool
	opts      options
	logger    *zap.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a new Redis-based document store.
func NewRedisStore(cfg StoreConfig, logger *zap.Logger, opts ...Option) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s := NewRedisStoreWithClient(client, cfg.Redis.KeyPrefix, logger, opts...)
	s.ownClient = true
	return s, nil
}

// NewRedisStoreWithClient wraps an existing client. The caller keeps
// ownership of the client.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string, logger *zap.Logger, opts ...Option) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyPrefix == "" {
		keyPrefix = DefaultStoreConfig().Redis.KeyPrefix
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		opts:      buildOptions(opts),
		logger:    logger.With(zap.String("component", "redis_document_store")),
	}
}

// docKey returns the Redis key for a document header
func (s *RedisStore) docKey(taskID string) string {
	return s.keyPrefix + "doc:" + taskID
}

// sectionKey returns the Redis key for one anchor
func (s *RedisStore) sectionKey(taskID, anchor string) string {
	return s.keyPrefix + "doc:" + taskID + ":section:" + anchor
}

// auditKey returns the Redis key for a task's audit list
func (s *RedisStore) auditKey(taskID string) string {
	return s.keyPrefix + "doc:" + taskID + ":audit"
}

// runsKey returns the Redis key for a task's run hash
func (s *RedisStore) runsKey(taskID string) string {
	return s.keyPrefix + "doc:" + taskID + ":runs"
}

// indexKey returns the Redis key for the documents index
func (s *RedisStore) indexKey() string {
	return s.keyPrefix + "docs"
}

func getJSON(ctx context.Context, c redis.Cmdable, key string, v any) error {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *RedisStore) Create(ctx context.Context, doc *Document) error {
	if err := checkNewDocument(doc); err != nil {
		return err
	}

	now := s.opts.now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	docData, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	sections := make(map[string][]byte, len(doc.Anchors))
	for _, a := range doc.Anchors {
		data, err := json.Marshal(NewPlaceholder(doc.TaskID, a, now))
		if err != nil {
			return fmt.Errorf("failed to marshal placeholder: %w", err)
		}
		sections[a.Name] = data
	}

	key := s.docKey(doc.TaskID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrAlreadyExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, docData, 0)
			for anchor, data := range sections {
				pipe.Set(ctx, s.sectionKey(doc.TaskID, anchor), data, 0)
			}
			pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(doc.CreatedAt.UnixNano()), Member: doc.TaskID})
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrAlreadyExists
	}
	return err
}

func (s *RedisStore) Get(ctx context.Context, taskID string) (*Document, error) {
	var doc Document
	if err := getJSON(ctx, s.client, s.docKey(taskID), &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *RedisStore) List(ctx context.Context, filter ListFilter) ([]*Document, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	result := make([]*Document, 0, len(ids))
	for _, id := range ids {
		doc, err := s.Get(ctx, id)
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

func (s *RedisStore) SetStatus(ctx context.Context, taskID string, status Status, reason string) error {
	key := s.docKey(taskID)
	var lastErr error
	for i := 0; i < maxWatchRetries; i++ {
		lastErr = s.client.Watch(ctx, func(tx *redis.Tx) error {
			var doc Document
			if err := getJSON(ctx, tx, key, &doc); err != nil {
				return err
			}
			doc.Status = status
			doc.StatusReason = reason
			doc.UpdatedAt = s.opts.now()
			data, err := json.Marshal(&doc)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			return err
		}, key)
		if !errors.Is(lastErr, redis.TxFailedErr) {
			return lastErr
		}
	}
	return lastErr
}

func (s *RedisStore) Read(ctx context.Context, taskID, anchor string) (*Section, error) {
	var sec Section
	if err := getJSON(ctx, s.client, s.sectionKey(taskID, anchor), &sec); err != nil {
		return nil, err
	}
	return &sec, nil
}

func (s *RedisStore) ReadAll(ctx context.Context, taskID string) ([]*Section, error) {
	doc, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(doc.Anchors))
	for i, a := range doc.Anchors {
		keys[i] = s.sectionKey(taskID, a.Name)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Section, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("section %s missing: %w", doc.Anchors[i].Name, ErrNotFound)
		}
		var sec Section
		if err := json.Unmarshal([]byte(str), &sec); err != nil {
			return nil, err
		}
		out = append(out, &sec)
	}
	return out, nil
}

func (s *RedisStore) Write(ctx context.Context, taskID string, req WriteRequest) (*WriteResult, error) {
	if err := checkWriteRequest(taskID, req, s.opts.validator); err != nil {
		return nil, err
	}

	key := s.sectionKey(taskID, req.Anchor)
	var result *WriteResult
	txf := func(tx *redis.Tx) error {
		var current Section
		if err := getJSON(ctx, tx, key, &current); err != nil {
			return err
		}
		res, err := applyWrite(&current, req, s.opts.now())
		if err != nil {
			return err
		}
		result = res
		if res.Unchanged {
			return nil
		}
		secData, err := json.Marshal(res.Section)
		if err != nil {
			return err
		}
		auditData, err := json.Marshal(res.Audit)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, secData, 0)
			pipe.RPush(ctx, s.auditKey(taskID), auditData)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
		// Another writer committed between WATCH and EXEC. The next attempt
		// observes the new version and reports the conflict.
		s.logger.Debug("section watch failed, retrying", zap.String("task_id", taskID), zap.String("anchor", req.Anchor))
	}
	return nil, newConflictError(taskID, req.Anchor, req.ExpectedVersion, -1)
}

func (s *RedisStore) exists(ctx context.Context, taskID string) error {
	n, err := s.client.Exists(ctx, s.docKey(taskID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) Audit(ctx context.Context, taskID, anchor string) ([]*AuditRecord, error) {
	if err := s.exists(ctx, taskID); err != nil {
		return nil, err
	}
	items, err := s.client.LRange(ctx, s.auditKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*AuditRecord, 0, len(items))
	for _, item := range items {
		var rec AuditRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, err
		}
		if anchor == "" || rec.Anchor == anchor {
			out = append(out, &rec)
		}
	}
	return out, nil
}

func (s *RedisStore) SaveRun(ctx context.Context, run *StageRun) error {
	if run == nil || run.ID == "" || run.TaskID == "" {
		return ErrInvalidInput
	}
	if err := s.exists(ctx, run.TaskID); err != nil {
		return err
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	return s.client.HSet(ctx, s.runsKey(run.TaskID), run.ID, data).Err()
}

func (s *RedisStore) ListRuns(ctx context.Context, taskID string) ([]*StageRun, error) {
	if err := s.exists(ctx, taskID); err != nil {
		return nil, err
	}
	values, err := s.client.HVals(ctx, s.runsKey(taskID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*StageRun, 0, len(values))
	for _, v := range values {
		var run StageRun
		if err := json.Unmarshal([]byte(v), &run); err != nil {
			return nil, err
		}
		out = append(out, &run)
	}
	sortRuns(out)
	return out, nil
}

// Ping checks if the store is healthy
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client when the store created it.
func (s *RedisStore) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}
