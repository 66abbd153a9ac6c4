// Package retry classifies task error codes into retry decisions.
package retry

import (
	"time"

	v1 "github.com/kination/noteflow/api/v1"
)

// Category groups error codes by cause
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryRateLimit  Category = "rate_limit"
	CategoryTimeout    Category = "timeout"
	CategoryProvider   Category = "provider"
	CategoryContent    Category = "content"
	CategoryAuth       Category = "auth"
	CategoryValidation Category = "validation"
	CategoryCancelled  Category = "cancelled"
	CategoryInternal   Category = "internal"
	CategoryUnknown    Category = "unknown"
)

// Strategy defines how the delay between attempts grows
type Strategy string

const (
	StrategyNone        Strategy = "none"
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// MaxDelay caps every computed backoff.
const MaxDelay = 5 * time.Minute

// Classification is the retry decision for one error code.
type Classification struct {
	Code        string
	Retryable   bool
	Category    Category
	MaxAttempts int
	Strategy    Strategy
}

var table = map[string]Classification{
	v1.CodeNetwork:             {Retryable: true, Category: CategoryNetwork, MaxAttempts: 3, Strategy: StrategyExponential},
	v1.CodeRateLimited:         {Retryable: true, Category: CategoryRateLimit, MaxAttempts: 5, Strategy: StrategyExponential},
	v1.CodeTimeout:             {Retryable: true, Category: CategoryTimeout, MaxAttempts: 3, Strategy: StrategyLinear},
	v1.CodeProvider:            {Retryable: true, Category: CategoryProvider, MaxAttempts: 3, Strategy: StrategyExponential},
	v1.CodeProviderUnavailable: {Retryable: true, Category: CategoryProvider, MaxAttempts: 4, Strategy: StrategyExponential},
	v1.CodeInvalidResponse:     {Retryable: true, Category: CategoryContent, MaxAttempts: 2, Strategy: StrategyFixed},
	v1.CodeAuth:                {Retryable: false, Category: CategoryAuth, MaxAttempts: 1, Strategy: StrategyNone},
	v1.CodeValidation:          {Retryable: false, Category: CategoryValidation, MaxAttempts: 1, Strategy: StrategyNone},
	v1.CodeInvalidPayload:      {Retryable: false, Category: CategoryValidation, MaxAttempts: 1, Strategy: StrategyNone},
	v1.CodeConflict:            {Retryable: false, Category: CategoryValidation, MaxAttempts: 1, Strategy: StrategyNone},
	v1.CodeCancelled:           {Retryable: false, Category: CategoryCancelled, MaxAttempts: 1, Strategy: StrategyNone},
	v1.CodeInternal:            {Retryable: false, Category: CategoryInternal, MaxAttempts: 1, Strategy: StrategyNone},
	v1.CodeExecution:           {Retryable: false, Category: CategoryInternal, MaxAttempts: 1, Strategy: StrategyNone},
}

// Classify maps an error code to its retry decision. Unknown codes are not retried.
func Classify(code string) Classification {
	c, ok := table[code]
	if !ok {
		c = Classification{Retryable: false, Category: CategoryUnknown, MaxAttempts: 1, Strategy: StrategyNone}
	}
	c.Code = code
	return c
}

// Delay returns how long to wait before the next attempt after `attempt`
// failures (1-based), given the base delay.
func (c Classification) Delay(attempt int, base time.Duration) time.Duration {
	if base <= 0 || attempt < 1 {
		return 0
	}
	var d time.Duration
	switch c.Strategy {
	case StrategyFixed:
		d = base
	case StrategyLinear:
		d = base * time.Duration(attempt)
	case StrategyExponential:
		d = base
		for i := 1; i < attempt && d < MaxDelay; i++ {
			d *= 2
		}
	default:
		return 0
	}
	if d > MaxDelay {
		d = MaxDelay
	}
	return d
}
