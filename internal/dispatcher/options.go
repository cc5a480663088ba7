package dispatcher

import (
	"errors"
	"fmt"
	"time"
)

// Options has no defaults; every field comes from configuration.
type Options struct {
	PollInterval   time.Duration
	BatchSize      int
	LeaseDuration  time.Duration
	PublishTimeout time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	// MaxRetries is the total number of delivery attempts before a record is
	// dead-lettered.
	MaxRetries    int
	Jitter        time.Duration
	ShutdownGrace time.Duration
}

func (o Options) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	positive("poll_interval", o.PollInterval)
	positive("lease_duration", o.LeaseDuration)
	positive("publish_timeout", o.PublishTimeout)
	positive("base_delay", o.BaseDelay)
	positive("max_delay", o.MaxDelay)
	positive("shutdown_grace", o.ShutdownGrace)

	if o.BatchSize <= 0 {
		errs = append(errs, errors.New("batch_size must be positive"))
	}
	if o.MaxRetries <= 0 {
		errs = append(errs, errors.New("max_retries must be positive"))
	}
	if o.Jitter < 0 {
		errs = append(errs, errors.New("jitter must not be negative"))
	}
	if o.MaxDelay > 0 && o.BaseDelay > o.MaxDelay {
		errs = append(errs, errors.New("base_delay must not exceed max_delay"))
	}
	if o.LeaseDuration > 0 && o.LeaseDuration <= o.PublishTimeout {
		errs = append(errs, errors.New("lease_duration must exceed publish_timeout"))
	}
	return errors.Join(errs...)
}
