package repository

import (
	"context"

	"gorm.io/gorm"
)

type txKey struct{}

// WithTx 将事务句柄放入 context，后续仓储调用自动加入该事务
func WithTx(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFrom 取出 context 中的事务句柄
func TxFrom(ctx context.Context) (*gorm.DB, bool) {
	tx, ok := ctx.Value(txKey{}).(*gorm.DB)
	return tx, ok && tx != nil
}

// conn 优先使用 context 中的事务
func conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := TxFrom(ctx); ok {
		return tx
	}
	return db.WithContext(ctx)
}

// RunInTx 在事务中执行 fn；已处于事务中时直接复用外层事务
func RunInTx(ctx context.Context, db *gorm.DB, fn func(ctx context.Context) error) error {
	if _, ok := TxFrom(ctx); ok {
		return fn(ctx)
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(WithTx(ctx, tx))
	})
}
