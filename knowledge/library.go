package knowledge

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrInsufficient 查询没有可用结果（库不可用、失败或空结果）。
// 调用方据此把阶段标记为 degraded，不得自行补造条目。
var ErrInsufficient = errors.New("knowledge insufficient")

// Entry 能力库 / 策略库中的一条候选
type Entry struct {
	ID      string   `json:"id" yaml:"id"`
	Title   string   `json:"title" yaml:"title"`
	Summary string   `json:"summary" yaml:"summary"`
	Tags    []string `json:"tags,omitempty" yaml:"tags"`
	Score   float64  `json:"score" yaml:"-"`
}

// Library 只读查询接口，返回按相关度排序的候选
type Library interface {
	Name() string
	Lookup(ctx context.Context, query string) ([]Entry, error)
}

// Insufficient 把任意失败包装为 ErrInsufficient
func Insufficient(library, query string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s returned nothing for %q", ErrInsufficient, library, query)
	}
	return fmt.Errorf("%w: %s lookup %q: %w", ErrInsufficient, library, query, cause)
}

// TruncationNote 快照被截断时追加在最后一条摘要末尾
const TruncationNote = "[truncated: %d more characters omitted]"

// Truncate 按字符预算裁剪条目摘要，超出部分丢弃并在最后保留的条目上附注。
// maxChars <= 0 表示不限。返回的切片不与入参共享底层数组
func Truncate(entries []Entry, maxChars int) ([]Entry, bool) {
	out := make([]Entry, 0, len(entries))
	if maxChars <= 0 {
		return append(out, entries...), false
	}

	used, omitted := 0, 0
	for _, e := range entries {
		size := utf8.RuneCountInString(e.Title) + utf8.RuneCountInString(e.Summary)
		if omitted > 0 {
			omitted += size
			continue
		}
		if used+size <= maxChars {
			out = append(out, e)
			used += size
			continue
		}

		room := maxChars - used - utf8.RuneCountInString(e.Title)
		if room > 0 {
			runes := []rune(e.Summary)
			e.Summary = string(runes[:room])
			omitted += len(runes) - room
			out = append(out, e)
		} else {
			omitted += size
		}
		used = maxChars
	}

	if omitted == 0 {
		return out, false
	}
	if len(out) > 0 {
		last := &out[len(out)-1]
		last.Summary += " " + fmt.Sprintf(TruncationNote, omitted)
	}
	return out, true
}
