package util

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/spf13/viper"
)

const (
	paramRetryInterval = "retry-interval"
	paramRetryMaxCount = "retry-max-count"
	paramRetryMaxTime  = "retry-max-time"
	paramRetryPolicy   = "retry-policy"
)

// Retry policies understood by RetryFromViper.
const (
	PolicyConstant    = "constant"
	PolicyDisabled    = "disabled"
	PolicyExponential = "exponential"
)

// BackoffFactory creates a fresh backoff.BackOff for every operation which needs retrying.
type BackoffFactory func() backoff.BackOff

// Retry describes how a failed operation is retried.
type Retry struct {
	Policy string
	// Interval is the delay before the first retry. The constant policy keeps it, the exponential policy
	// grows it.
	Interval time.Duration
	// MaxCount bounds the number of retries, zero means unbounded.
	MaxCount int64
	// MaxTime bounds the time spent retrying, measured from the first attempt.
	MaxTime time.Duration
}

// DefaultRetry is the retry used when no retry-* option is set, apart from the policy.
func DefaultRetry(policy string) Retry {
	return Retry{
		Policy:   policy,
		Interval: backoff.DefaultInitialInterval,
		MaxTime:  15 * time.Second,
	}
}

// Validate checks the limits of r. Limits are checked for every policy, so that a config switched to
// disabled stays valid when switched back.
func (r Retry) Validate() error {
	if r.Interval <= 0 {
		return fmt.Errorf("%s must be positive", paramRetryInterval)
	}
	if r.MaxCount < 0 {
		return fmt.Errorf("%s must be zero or positive", paramRetryMaxCount)
	}
	if r.MaxTime <= 0 {
		return fmt.Errorf("%s must be positive", paramRetryMaxTime)
	}
	switch r.Policy {
	case PolicyConstant, PolicyDisabled, PolicyExponential:
		return nil
	}
	return fmt.Errorf("%s %q is not one of %s, %s or %s", paramRetryPolicy, r.Policy, PolicyConstant, PolicyDisabled, PolicyExponential)
}

// Factory returns the BackoffFactory implementing r, which must be valid.
func (r Retry) Factory() BackoffFactory {
	switch r.Policy {
	case PolicyDisabled:
		return func() backoff.BackOff { return &backoff.StopBackOff{} }
	case PolicyConstant:
		return NewBackoffFactory(1.0, r.MaxTime, r.Interval, uint64(r.MaxCount))
	default:
		return NewBackoffFactory(backoff.DefaultMultiplier, r.MaxTime, r.Interval, uint64(r.MaxCount))
	}
}

// NewBackoffFactory creates a BackoffFactory of backoff.ExponentialBackOff. A multiplier of 1 gives a
// constant interval which, unlike backoff.ConstantBackOff, is randomized and honours maxElapsedTime.
// A maxElapsedTime of zero never stops on time and a maxRetries of zero never stops on count.
func NewBackoffFactory(multiplier float64, maxElapsedTime, interval time.Duration, maxRetries uint64) BackoffFactory {
	return func() backoff.BackOff {
		bo := backoff.NewExponentialBackOff()
		bo.Multiplier = multiplier
		bo.MaxElapsedTime = maxElapsedTime
		bo.InitialInterval = interval
		bo.Reset() // picks up InitialInterval
		if maxRetries == 0 {
			return bo
		}
		return backoff.WithMaxRetries(bo, maxRetries)
	}
}

// RetryFromViper reads the retry-* options of v, falling back to DefaultRetry(defaultPolicy).
func RetryFromViper(v *viper.Viper, defaultPolicy string) (BackoffFactory, error) {
	def := DefaultRetry(defaultPolicy)
	v.SetDefault(paramRetryPolicy, def.Policy)
	v.SetDefault(paramRetryInterval, def.Interval)
	v.SetDefault(paramRetryMaxCount, def.MaxCount)
	v.SetDefault(paramRetryMaxTime, def.MaxTime)

	r := Retry{
		Policy:   v.GetString(paramRetryPolicy),
		Interval: v.GetDuration(paramRetryInterval),
		MaxCount: v.GetInt64(paramRetryMaxCount),
		MaxTime:  v.GetDuration(paramRetryMaxTime),
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r.Factory(), nil
}
