package knowledge

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// 📚 YAML 目录库
// =============================================================================

// catalogFile 目录文件格式
type catalogFile struct {
	Name    string  `yaml:"name"`
	Entries []Entry `yaml:"entries"`
}

// CatalogOptions 目录库选项
type CatalogOptions struct {
	// 单次查询返回条目上限，0 表示不限
	TopK int
	// 快照字符预算，0 表示不限
	MaxChars int
}

// CatalogLibrary 从 YAML 目录文件加载的只读知识库，文件变化时可 Reload
type CatalogLibrary struct {
	name   string
	path   string
	opts   CatalogOptions
	logger *zap.Logger

	mu       sync.RWMutex
	entries  []Entry
	loadedAt time.Time
}

var _ Library = (*CatalogLibrary)(nil)

// NewCatalogLibrary 创建目录库并立即加载文件
func NewCatalogLibrary(name, path string, opts CatalogOptions, logger *zap.Logger) (*CatalogLibrary, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &CatalogLibrary{
		name:   name,
		path:   path,
		opts:   opts,
		logger: logger.With(zap.String("component", "knowledge"), zap.String("library", name)),
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Name 库名
func (l *CatalogLibrary) Name() string { return l.name }

// Path 目录文件路径
func (l *CatalogLibrary) Path() string { return l.path }

// Len 当前条目数
func (l *CatalogLibrary) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Reload 重新读取目录文件；失败时保留旧内容
func (l *CatalogLibrary) Reload() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("read catalog %s: %w", l.path, err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse catalog %s: %w", l.path, err)
	}

	seen := make(map[string]struct{}, len(file.Entries))
	entries := make([]Entry, 0, len(file.Entries))
	for i, e := range file.Entries {
		if e.ID == "" {
			return fmt.Errorf("catalog %s: entry %d has no id", l.path, i)
		}
		if _, dup := seen[e.ID]; dup {
			return fmt.Errorf("catalog %s: duplicate entry id %s", l.path, e.ID)
		}
		seen[e.ID] = struct{}{}
		entries = append(entries, e)
	}

	l.mu.Lock()
	l.entries = entries
	l.loadedAt = time.Now()
	l.mu.Unlock()

	l.logger.Info("catalog loaded", zap.String("path", l.path), zap.Int("entries", len(entries)))
	return nil
}

// Lookup 按标签与词项重叠打分，返回得分 > 0 的条目（高分在前，同分按 ID）。
// 没有命中时返回 ErrInsufficient
func (l *CatalogLibrary) Lookup(ctx context.Context, query string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, Insufficient(l.name, query, err)
	}

	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, Insufficient(l.name, query, nil)
	}

	l.mu.RLock()
	var hits []Entry
	for _, e := range l.entries {
		if score := scoreEntry(e, terms); score > 0 {
			e.Tags = slices.Clone(e.Tags)
			e.Score = score
			hits = append(hits, e)
		}
	}
	l.mu.RUnlock()

	if len(hits) == 0 {
		return nil, Insufficient(l.name, query, nil)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if l.opts.TopK > 0 && len(hits) > l.opts.TopK {
		hits = hits[:l.opts.TopK]
	}

	out, truncated := Truncate(hits, l.opts.MaxChars)
	if truncated {
		l.logger.Debug("knowledge snapshot truncated",
			zap.String("query", query),
			zap.Int("max_chars", l.opts.MaxChars),
		)
	}
	return out, nil
}

// scoreEntry 标签精确命中 2 分，标题 / 摘要包含 1 分
func scoreEntry(e Entry, terms []string) float64 {
	text := strings.ToLower(e.Title + " " + e.Summary)
	var score float64
	for _, term := range terms {
		for _, tag := range e.Tags {
			if strings.EqualFold(tag, term) {
				score += 2
				break
			}
		}
		if strings.Contains(text, term) {
			score++
		}
	}
	return score
}

// tokenize 按非字母数字切分并去重，单字符的拉丁词项忽略
func tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]struct{}, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		terms = append(terms, f)
	}
	return terms
}
