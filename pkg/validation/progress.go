package validation

import (
	"context"
	"sync/atomic"
)

// ProgressValidator decorates a Validator, forwarding every call unchanged
// and reporting each produced result.
type ProgressValidator struct {
	inner  Validator
	report func(*Result)
	done   atomic.Int64
}

// NewProgressValidator wraps inner. report may be nil.
func NewProgressValidator(inner Validator, report func(*Result)) *ProgressValidator {
	return &ProgressValidator{inner: inner, report: report}
}

func (p *ProgressValidator) ValidateEndpoint(ctx context.Context, path, method string, opts Options) (*Result, error) {
	res, err := p.inner.ValidateEndpoint(ctx, path, method, opts)
	if res != nil {
		p.done.Add(1)
		if p.report != nil {
			p.report(res)
		}
	}
	return res, err
}

// Completed returns how many results have been reported.
func (p *ProgressValidator) Completed() int64 {
	return p.done.Load()
}

// Unwrap returns the decorated validator.
func (p *ProgressValidator) Unwrap() Validator {
	return p.inner
}
