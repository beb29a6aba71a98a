package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store 持久化存储，系统唯一的事实来源
//
// 事务内通过 Transaction 回调拿到绑定在同一个 *gorm.DB 事务上的 Store，
// 所有读改写都必须在回调内使用 tx 完成。
type Store struct {
	db          *gorm.DB
	Codes       *CodeRepository
	Batches     *BatchRepository
	Bindings    *BindingRepository
	Memberships *MembershipRepository
	Logs        *ActivationLogRepository
}

func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:          db,
		Codes:       NewCodeRepository(db),
		Batches:     NewBatchRepository(db),
		Bindings:    NewBindingRepository(db),
		Memberships: NewMembershipRepository(db),
		Logs:        NewActivationLogRepository(db),
	}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction 在一个数据库事务内执行 fn，fn 返回错误则整体回滚
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStore(tx))
	})
}

// forUpdate 行级锁；sqlite 只有单写者，不支持 FOR UPDATE
func forUpdate(db *gorm.DB) *gorm.DB {
	if db.Dialector.Name() == "sqlite" {
		return db
	}
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}
