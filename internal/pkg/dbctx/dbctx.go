package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context carries the request context and an optional open transaction
// through repository calls.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

// Background is a Context without a transaction.
func Background(ctx context.Context) Context {
	return Context{Ctx: ctx}
}

// Conn returns the transaction if one is set, otherwise fallback, bound to Ctx.
func (c Context) Conn(fallback *gorm.DB) *gorm.DB {
	transaction := c.Tx
	if transaction == nil {
		transaction = fallback
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return transaction.WithContext(ctx)
}

// WithTx returns a copy of c bound to tx.
func (c Context) WithTx(tx *gorm.DB) Context {
	return Context{Ctx: c.Ctx, Tx: tx}
}
