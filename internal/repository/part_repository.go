package repository

import (
	"context"
	"errors"
	"fmt"

	"remevi-go/internal/model"

	"gorm.io/gorm"
)

// ErrPartCountMismatch 表示重组时实际分片数与声明的 totalParts 不一致。
// 这说明出现了重复投递或计数错误，对该分块是致命的。
var ErrPartCountMismatch = errors.New("分片数量与预期不符")

// PartRepository 是分块消息分片的暂存仓库。
// 分片只追加、从不覆盖；凑齐后在一个事务里整批取走并删除。
type PartRepository interface {
	// Put 追加一个分片行（副作用写入，不去重）。
	Put(ctx context.Context, part *model.ChunkPart) error
	// Count 返回某分块当前已暂存的分片数。
	Count(ctx context.Context, deckID uint, chunkIndex int) (int64, error)
	// TakeAll 在一个原子单元内重新核对分片数、删除全部分片行，
	// 并按 part_index 升序返回。计数与 expectedTotal 不符时不删除，
	// 返回 ErrPartCountMismatch。
	TakeAll(ctx context.Context, deckID uint, chunkIndex int, expectedTotal int) ([]model.ChunkPart, error)
	// DeleteAll 清理某分块的全部分片行（致命错误后的善后）。
	DeleteAll(ctx context.Context, deckID uint, chunkIndex int) error
}

// partRepository 是 PartRepository 接口的 GORM 实现。
type partRepository struct {
	db *gorm.DB
}

// NewPartRepository 创建一个新的 PartRepository 实例。
func NewPartRepository(db *gorm.DB) PartRepository {
	return &partRepository{db: db}
}

func (r *partRepository) Put(ctx context.Context, part *model.ChunkPart) error {
	return r.db.WithContext(ctx).Create(part).Error
}

func (r *partRepository) Count(ctx context.Context, deckID uint, chunkIndex int) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.ChunkPart{}).
		Where("deck_id = ? AND chunk_index = ?", deckID, chunkIndex).
		Count(&count).Error
	return count, err
}

// TakeAll 的原子性依赖删除语句的 RowsAffected 校验：
// 事务内先读出并核对分片，再按键整批删除；若删除行数与 expectedTotal
// 不一致，说明核对与删除之间又进来了重复分片，回滚并报告不一致。
func (r *partRepository) TakeAll(ctx context.Context, deckID uint, chunkIndex int, expectedTotal int) ([]model.ChunkPart, error) {
	var parts []model.ChunkPart

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("deck_id = ? AND chunk_index = ?", deckID, chunkIndex).
			Order("part_index asc").
			Find(&parts).Error; err != nil {
			return err
		}

		if len(parts) != expectedTotal {
			return fmt.Errorf("分块 %d 重组失败 (实际 %d, 预期 %d): %w",
				chunkIndex, len(parts), expectedTotal, ErrPartCountMismatch)
		}

		res := tx.Where("deck_id = ? AND chunk_index = ?", deckID, chunkIndex).
			Delete(&model.ChunkPart{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != int64(expectedTotal) {
			return fmt.Errorf("分块 %d 删除分片时数量漂移 (删除 %d, 预期 %d): %w",
				chunkIndex, res.RowsAffected, expectedTotal, ErrPartCountMismatch)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return parts, nil
}

func (r *partRepository) DeleteAll(ctx context.Context, deckID uint, chunkIndex int) error {
	return r.db.WithContext(ctx).
		Where("deck_id = ? AND chunk_index = ?", deckID, chunkIndex).
		Delete(&model.ChunkPart{}).Error
}
