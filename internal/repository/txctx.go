package repository

import (
	"context"

	"github.com/and161185/skyindex/internal/errs"
)

type txKey struct{}

// WithTransaction marks ctx as running inside a transaction.
func WithTransaction(ctx context.Context) context.Context {
	return context.WithValue(ctx, txKey{}, true)
}

// InTransaction reports whether ctx carries a transaction marker.
func InTransaction(ctx context.Context) bool {
	v, _ := ctx.Value(txKey{}).(bool)
	return v
}

// AssertNotTransaction returns errs.ErrNestedTransaction inside a transaction.
func AssertNotTransaction(ctx context.Context) error {
	if InTransaction(ctx) {
		return errs.ErrNestedTransaction
	}
	return nil
}

// AssertTransaction returns errs.ErrNoTransaction outside a transaction.
func AssertTransaction(ctx context.Context) error {
	if !InTransaction(ctx) {
		return errs.ErrNoTransaction
	}
	return nil
}
