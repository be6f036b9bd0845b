// StaticLibrary 的知识库测试模拟实现。
package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/stageflow/knowledge"
)

// StaticLibrary 返回固定条目的知识库
type StaticLibrary struct {
	mu sync.Mutex

	name    string
	entries []knowledge.Entry
	err     error
	queries []string
}

// NewStaticLibrary 创建新的 StaticLibrary
func NewStaticLibrary(name string, entries ...knowledge.Entry) *StaticLibrary {
	return &StaticLibrary{name: name, entries: entries}
}

// WithError 设置查询错误
func (l *StaticLibrary) WithError(err error) *StaticLibrary {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
	return l
}

// Name implements knowledge.Library.
func (l *StaticLibrary) Name() string { return l.name }

// Lookup implements knowledge.Library.
func (l *StaticLibrary) Lookup(ctx context.Context, query string) ([]knowledge.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queries = append(l.queries, query)
	if l.err != nil {
		return nil, l.err
	}
	if len(l.entries) == 0 {
		return nil, knowledge.Insufficient(l.name, query, nil)
	}
	return append([]knowledge.Entry(nil), l.entries...), nil
}

// Queries 返回收到的查询
func (l *StaticLibrary) Queries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.queries...)
}

var _ knowledge.Library = (*StaticLibrary)(nil)
