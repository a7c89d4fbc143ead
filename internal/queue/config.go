package queue

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/busybox42/egressd/internal/policy"
	"github.com/busybox42/egressd/internal/throttle"
)

// ErrInvalidConfig is wrapped by QueueConfig validation failures
var ErrInvalidConfig = errors.New("invalid queue config")

const (
	maxJitter = 60 * time.Second
	maxDelay  = time.Duration(math.MaxInt64)
)

// QueueConfig controls retries and promotion of one scheduled queue
type QueueConfig struct {
	RetryInterval policy.Duration `toml:"retry_interval" json:"retry_interval"`
	// MaxRetryInterval caps the exponential backoff; nil means uncapped
	MaxRetryInterval *policy.Duration `toml:"max_retry_interval" json:"max_retry_interval,omitempty"`
	MaxAge           policy.Duration  `toml:"max_age" json:"max_age"`
	EgressPool       string           `toml:"egress_pool" json:"egress_pool,omitempty"`
	MaxMessageRate   *throttle.Spec   `toml:"max_message_rate" json:"max_message_rate,omitempty"`
	ReapInterval     policy.Duration  `toml:"reap_interval" json:"reap_interval"`
	RefreshInterval  policy.Duration  `toml:"refresh_interval" json:"refresh_interval"`
	ProviderName     string           `toml:"provider_name" json:"provider_name,omitempty"`
}

// DefaultQueueConfig returns the settings used when no rule matches
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		RetryInterval:   policy.Duration(20 * time.Minute),
		MaxAge:          policy.Duration(7 * 24 * time.Hour),
		ReapInterval:    policy.Duration(10 * time.Minute),
		RefreshInterval: policy.Duration(time.Minute),
	}
}

// Validate checks intervals
func (c *QueueConfig) Validate() error {
	switch {
	case c.RetryInterval <= 0:
		return fmt.Errorf("%w: retry_interval must be positive", ErrInvalidConfig)
	case c.MaxAge <= 0:
		return fmt.Errorf("%w: max_age must be positive", ErrInvalidConfig)
	case c.MaxRetryInterval != nil && *c.MaxRetryInterval < c.RetryInterval:
		return fmt.Errorf("%w: max_retry_interval %s is below retry_interval %s", ErrInvalidConfig, c.MaxRetryInterval, c.RetryInterval)
	case c.ReapInterval <= 0 || c.RefreshInterval <= 0:
		return fmt.Errorf("%w: reap_interval and refresh_interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// DelayForAttempt returns retry_interval·2^attempt, saturating, capped by
// max_retry_interval. attempt is zero based.
func (c *QueueConfig) DelayForAttempt(attempt uint16) time.Duration {
	delay := c.RetryInterval.Std()
	switch {
	case delay <= 0:
		delay = 0
	case attempt >= 63 || delay > maxDelay>>attempt:
		delay = maxDelay
	default:
		delay <<= attempt
	}
	if c.MaxRetryInterval != nil && delay > c.MaxRetryInterval.Std() {
		delay = c.MaxRetryInterval.Std()
	}
	return delay
}

// InferNumAttempts returns how many retries fit into age. It is used for
// messages that carry no attempt count.
func (c *QueueConfig) InferNumAttempts(age time.Duration) uint16 {
	if c.RetryInterval <= 0 {
		return 0
	}
	var elapsed time.Duration
	for n := uint16(0); n < math.MaxUint16; n++ {
		delay := c.DelayForAttempt(n)
		if delay > age-elapsed {
			return n
		}
		elapsed += delay
	}
	return math.MaxUint16
}

// JitterMagnitude is min(retry_interval/20, 60s)
func (c *QueueConfig) JitterMagnitude() time.Duration {
	return min(c.RetryInterval.Std()/20, maxJitter)
}
