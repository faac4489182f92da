package gorm

import (
	"context"
	"database/sql"

	"gorm.io/gorm"

	"github.com/tigerroll/entiflow/pkg/workflow/core/tx"
)

// txHandle ties an open transaction to the pool it was started on.
type txHandle struct {
	root *gorm.DB
	tx   *gorm.DB
}

// TransactionManager implements tx.TransactionManager for one connection pool.
type TransactionManager struct {
	db *gorm.DB
}

var _ tx.TransactionManager = (*TransactionManager)(nil)

// NewTransactionManager creates a TransactionManager for db.
func NewTransactionManager(db *gorm.DB) *TransactionManager {
	return &TransactionManager{db: db}
}

// Do runs fn in a transaction. If ctx already carries a transaction of the same pool, fn joins it
// and commit or rollback is left to the outermost call.
func (m *TransactionManager) Do(ctx context.Context, fn func(ctx context.Context) error, opts ...*sql.TxOptions) error {
	if h, ok := handleFrom(ctx); ok && h.root == m.db {
		return fn(ctx)
	}
	return m.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(tx.WithTx(ctx, &txHandle{root: m.db, tx: gtx}))
	}, opts...)
}

// DB returns the transaction carried by ctx when it was opened on root, otherwise root bound to ctx.
// Repositories call it for every statement so that they join an enclosing TransactionManager.Do.
func DB(ctx context.Context, root *gorm.DB) *gorm.DB {
	if h, ok := handleFrom(ctx); ok && h.root == root {
		return h.tx.WithContext(ctx)
	}
	return root.WithContext(ctx)
}

// InTx reports whether ctx carries a transaction opened on root.
func InTx(ctx context.Context, root *gorm.DB) bool {
	h, ok := handleFrom(ctx)
	return ok && h.root == root
}

func handleFrom(ctx context.Context) (*txHandle, bool) {
	v, ok := tx.FromContext(ctx)
	if !ok {
		return nil, false
	}
	h, ok := v.(*txHandle)
	return h, ok
}
