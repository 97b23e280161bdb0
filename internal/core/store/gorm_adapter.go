package store

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// gormRow is the generic key/value table store.GORM persists through.
type gormRow struct {
	Key       string `gorm:"primaryKey"`
	Value     []byte
	ExpiresAt time.Time
}

func (gormRow) TableName() string { return "shield_store_kv" }

// GORM is a store.Adapter backed by a *gorm.DB, for data that must
// survive restarts. The ledger and audit log do not go through it;
// they take a *gorm.DB directly.
type GORM struct {
	db *gorm.DB
}

// NewGORM auto-migrates the kv table and returns an adapter over it.
func NewGORM(db *gorm.DB) (*GORM, error) {
	if err := db.AutoMigrate(&gormRow{}); err != nil {
		return nil, err
	}
	return &GORM{db: db}, nil
}

func (g *GORM) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var row gormRow
	err := g.db.WithContext(ctx).First(&row, "key = ?", key).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !row.ExpiresAt.IsZero() && time.Now().After(row.ExpiresAt) {
		_ = g.Delete(ctx, key)
		return nil, false, nil
	}
	return row.Value, true, nil
}

func (g *GORM) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	row := gormRow{Key: key, Value: value, ExpiresAt: exp}
	return g.db.WithContext(ctx).Save(&row).Error
}

func (g *GORM) Delete(ctx context.Context, key string) error {
	return g.db.WithContext(ctx).Delete(&gormRow{}, "key = ?", key).Error
}

func (g *GORM) Scan(ctx context.Context, prefix string) ([]string, error) {
	var rows []gormRow
	q := g.db.WithContext(ctx).Select("key")
	if prefix != "" {
		q = q.Where("key LIKE ?", prefix+"%")
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Key
	}
	return out, nil
}

// DB exposes the underlying connection for components (ledger, audit)
// that want dedicated tables instead of the generic kv shape.
func (g *GORM) DB() *gorm.DB { return g.db }
