package workflow

import "time"

// RecommitPolicy 已提交阶段被显式重试时的处理方式
type RecommitPolicy string

const (
	// RecommitNoop 已提交阶段的重试直接返回，不再调用执行器
	RecommitNoop RecommitPolicy = "noop"
	// RecommitAllow 重新调用执行器；输出与已存内容一致时写入为 no-op
	RecommitAllow RecommitPolicy = "allow"
)

// RetryPolicy defines the automatic retry behavior of stage runs
type RetryPolicy struct {
	// Ceiling is the number of rejected attempts per window before the document blocks (default: 3)
	Ceiling int `json:"ceiling" yaml:"ceiling"`

	// InitialBackoff is the delay before the first automatic retry (default: 1s)
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`

	// MaxBackoff caps the delay between retries (default: 30s)
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`

	// BackoffMultiplier is the multiplier for exponential backoff (default: 2.0)
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// DefaultRetryPolicy returns the default retry policy: 3 attempts, 1s/2s/4s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Ceiling:           3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// CalculateBackoff calculates the delay after the given number of rejections (1-based)
func (p RetryPolicy) CalculateBackoff(rejections int) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	backoff := p.InitialBackoff
	for i := 1; i < rejections; i++ {
		backoff = time.Duration(float64(backoff) * p.BackoffMultiplier)
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return backoff
}

// Exhausted reports whether the rejection count reached the ceiling
func (p RetryPolicy) Exhausted(rejections int) bool {
	return p.Ceiling > 0 && rejections >= p.Ceiling
}
