package repository

import (
	"context"

	"remevi-go/internal/model"

	"gorm.io/gorm"
)

// MaterialRepository 维护源资料记录的状态。
type MaterialRepository interface {
	GetMaterial(ctx context.Context, id uint) (*model.StudyMaterial, error)
	UpdateStatus(ctx context.Context, id uint, status string) error
}

// materialRepository 是 MaterialRepository 接口的 GORM 实现。
type materialRepository struct {
	db *gorm.DB
}

// NewMaterialRepository 创建一个新的 MaterialRepository 实例。
func NewMaterialRepository(db *gorm.DB) MaterialRepository {
	return &materialRepository{db: db}
}

func (r *materialRepository) GetMaterial(ctx context.Context, id uint) (*model.StudyMaterial, error) {
	var material model.StudyMaterial
	if err := r.db.WithContext(ctx).First(&material, id).Error; err != nil {
		return nil, err
	}
	return &material, nil
}

func (r *materialRepository) UpdateStatus(ctx context.Context, id uint, status string) error {
	return r.db.WithContext(ctx).Model(&model.StudyMaterial{}).
		Where("id = ?", id).
		UpdateColumn("status", status).Error
}
