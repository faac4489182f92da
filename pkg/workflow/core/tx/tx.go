// Package tx abstracts transaction demarcation so that services can group repository calls
// without depending on a database library.
package tx

import (
	"context"
	"database/sql"
)

// TransactionManager runs a function inside a database transaction.
// The context passed to fn carries the transaction; repositories that resolve their executor
// from the context join it. Returning an error from fn rolls the transaction back.
type TransactionManager interface {
	Do(ctx context.Context, fn func(ctx context.Context) error, opts ...*sql.TxOptions) error
}

type txKey struct{}

// WithTx returns a copy of ctx carrying handle.
func WithTx(ctx context.Context, handle interface{}) context.Context {
	return context.WithValue(ctx, txKey{}, handle)
}

// FromContext returns the transaction handle carried by ctx, if any.
func FromContext(ctx context.Context) (interface{}, bool) {
	h := ctx.Value(txKey{})
	return h, h != nil
}
