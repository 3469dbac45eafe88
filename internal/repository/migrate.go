package repository

import (
	"errors"
	"fmt"
	"time"

	"giftcard-inventory/internal/model"

	"gorm.io/gorm"
)

// SchemaVersion 当前表结构版本，表结构变更时递增
const SchemaVersion = 1

const schemaComponent = "giftcard"

type schemaVersion struct {
	Component string    `gorm:"type:varchar(64);primaryKey"`
	Version   int       `gorm:"not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (schemaVersion) TableName() string {
	return "schema_versions"
}

// Migrate 版本不一致时执行迁移，可重复调用
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&schemaVersion{}); err != nil {
		return fmt.Errorf("迁移 schema_versions 失败: %w", err)
	}

	var current schemaVersion
	err := db.Where("component = ?", schemaComponent).First(&current).Error
	switch {
	case err == nil && current.Version == SchemaVersion:
		return nil
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("读取表结构版本失败: %w", err)
	}

	if err := db.AutoMigrate(
		&model.GiftCard{},
		&model.RetiredCardID{},
		&model.Product{},
		&model.Order{},
		&model.OrderLine{},
		&model.OrderNote{},
	); err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}

	return db.Save(&schemaVersion{Component: schemaComponent, Version: SchemaVersion}).Error
}

// CurrentSchemaVersion 读取已应用的表结构版本，未迁移时返回 0
func CurrentSchemaVersion(db *gorm.DB) (int, error) {
	var current schemaVersion
	err := db.Where("component = ?", schemaComponent).First(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return current.Version, nil
}
