// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"remevi-go/internal/model"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrIncrementContention CAS 重试耗尽时返回。
var ErrIncrementContention = errors.New("processed_chunks 自增竞争过高，重试耗尽")

// CAS 自增的最大重试次数。并发分块数通常远小于它。
const incrementMaxRetries = 16

// 进度缓存的有效期。轮询端允许读到秒级的旧值。
const progressCacheTTL = 10 * time.Second

// DeckProgress 是进度轮询使用的缓存结构。
type DeckProgress struct {
	DeckID             uint   `json:"deckId"`
	IsProcessing       bool   `json:"isProcessing"`
	ProcessingStage    string `json:"processingStage"`
	ProcessingProgress int    `json:"processingProgress"`
	TotalChunks        int    `json:"totalChunks"`
	ProcessedChunks    int    `json:"processedChunks"`
	Error              string `json:"error,omitempty"`
}

// DeckRepository 接口定义了 Deck 行的全部持久化操作。
// 多个分块 worker 会并发修改同一行，所有写入都必须走原子/事务原语。
type DeckRepository interface {
	GetDeck(ctx context.Context, deckID uint) (*model.Deck, error)
	// UpdateStage 更新处理阶段与进度，并把 is_processing 置为 true。
	UpdateStage(ctx context.Context, deckID uint, stage string, progress int) error
	// SetTotalChunks 在分块完成后写入总分块数。
	SetTotalChunks(ctx context.Context, deckID uint, total int) error
	// IncrementProcessedChunks 原子地将 processed_chunks 加一，
	// 返回自增后的值与 total_chunks。实现为 CAS 循环，绝不做
	// 应用层的读-改-写。
	IncrementProcessedChunks(ctx context.Context, deckID uint) (processed, total int, err error)
	// UpdateProgress 只刷新进度百分比（PROCESSING_CHUNKS 阶段使用）。
	UpdateProgress(ctx context.Context, deckID uint, progress int) error
	// MarkChunkCompleted 幂等地记录某个分块已计入完成，
	// 返回本次是否为首次记录。重复投递的分块靠它只计一次。
	MarkChunkCompleted(ctx context.Context, deckID uint, chunkIndex int) (bool, error)
	// IsChunkCompleted 查询某个分块是否已计入完成。
	IsChunkCompleted(ctx context.Context, deckID uint, chunkIndex int) (bool, error)
	// MarkError 将 Deck 置为 ERROR 终态并记录可读错误信息。
	MarkError(ctx context.Context, deckID uint, msg string) error
	// MarkPartialCompletion 将阶段置为 PARTIAL_COMPLETION（进度冻结）。
	MarkPartialCompletion(ctx context.Context, deckID uint) error
	// Finalize 结束处理：写入终态阶段与进度，is_processing 置 false。
	Finalize(ctx context.Context, deckID uint, stage string, progress int) error
	// AttachMindMap 写入富化阶段产出的概念图与分类。
	AttachMindMap(ctx context.Context, deckID uint, category string, mindMap []byte) error
	// ResetForGeneration 把 Deck 重置回 QUEUED 初始态：清空计数与
	// 错误信息，is_processing 置 true。重新生成的入口使用。
	ResetForGeneration(ctx context.Context, deckID uint) error

	// 进度缓存（Redis，read-through，写路径只做失效）
	GetCachedProgress(ctx context.Context, deckID uint) (*DeckProgress, error)
	SetCachedProgress(ctx context.Context, p *DeckProgress) error
}

// deckRepository 是 DeckRepository 接口的 GORM+Redis 实现。
type deckRepository struct {
	db          *gorm.DB
	redisClient *redis.Client
}

// NewDeckRepository 创建一个新的 DeckRepository 实例。redisClient 可为 nil（测试场景），
// 此时进度缓存退化为直查数据库。
func NewDeckRepository(db *gorm.DB, redisClient *redis.Client) DeckRepository {
	return &deckRepository{db: db, redisClient: redisClient}
}

// getProgressKey generates the redis key for the progress cache.
func (r *deckRepository) getProgressKey(deckID uint) string {
	return "deck:progress:" + strconv.FormatUint(uint64(deckID), 10)
}

func (r *deckRepository) GetDeck(ctx context.Context, deckID uint) (*model.Deck, error) {
	var deck model.Deck
	if err := r.db.WithContext(ctx).First(&deck, deckID).Error; err != nil {
		return nil, err
	}
	return &deck, nil
}

func (r *deckRepository) UpdateStage(ctx context.Context, deckID uint, stage string, progress int) error {
	err := r.db.WithContext(ctx).Model(&model.Deck{}).Where("id = ?", deckID).
		Updates(map[string]interface{}{
			"is_processing":       true,
			"processing_stage":    stage,
			"processing_progress": progress,
		}).Error
	if err != nil {
		return err
	}
	r.invalidateProgress(ctx, deckID)
	return nil
}

// SetTotalChunks 写入总分块数并把完成计数归零。
// 上一轮生成留下的分块完成标记一并清除，否则重新生成会被当作重复投递。
func (r *deckRepository) SetTotalChunks(ctx context.Context, deckID uint, total int) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("deck_id = ?", deckID).Delete(&model.ChunkCompletion{}).Error; err != nil {
			return err
		}
		return tx.Model(&model.Deck{}).Where("id = ?", deckID).
			Updates(map[string]interface{}{
				"total_chunks":     total,
				"processed_chunks": 0,
			}).Error
	})
	if err != nil {
		return err
	}
	r.invalidateProgress(ctx, deckID)
	return nil
}

// MarkChunkCompleted 借助唯一索引加 DO NOTHING 冲突子句实现幂等插入，
// RowsAffected 为 0 即说明该分块早已计入。
func (r *deckRepository) MarkChunkCompleted(ctx context.Context, deckID uint, chunkIndex int) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.ChunkCompletion{DeckID: deckID, ChunkIndex: chunkIndex})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *deckRepository) IsChunkCompleted(ctx context.Context, deckID uint, chunkIndex int) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.ChunkCompletion{}).
		Where("deck_id = ? AND chunk_index = ?", deckID, chunkIndex).
		Count(&count).Error
	return count > 0, err
}

// IncrementProcessedChunks 使用 CAS 循环完成原子自增：
// UPDATE ... SET processed_chunks = old+1 WHERE id = ? AND processed_chunks = old。
// RowsAffected 为 1 表示本次自增成功，返回值即为确定的自增后计数。
func (r *deckRepository) IncrementProcessedChunks(ctx context.Context, deckID uint) (int, int, error) {
	for i := 0; i < incrementMaxRetries; i++ {
		var deck model.Deck
		if err := r.db.WithContext(ctx).Select("processed_chunks", "total_chunks").
			First(&deck, deckID).Error; err != nil {
			return 0, 0, err
		}

		res := r.db.WithContext(ctx).Model(&model.Deck{}).
			Where("id = ? AND processed_chunks = ?", deckID, deck.ProcessedChunks).
			UpdateColumn("processed_chunks", deck.ProcessedChunks+1)
		if res.Error != nil {
			return 0, 0, res.Error
		}
		if res.RowsAffected == 1 {
			r.invalidateProgress(ctx, deckID)
			return deck.ProcessedChunks + 1, deck.TotalChunks, nil
		}
		// 与其他分块 worker 撞上了，重读后再试
	}
	return 0, 0, fmt.Errorf("deck %d: %w", deckID, ErrIncrementContention)
}

func (r *deckRepository) UpdateProgress(ctx context.Context, deckID uint, progress int) error {
	err := r.db.WithContext(ctx).Model(&model.Deck{}).Where("id = ?", deckID).
		UpdateColumn("processing_progress", progress).Error
	if err != nil {
		return err
	}
	r.invalidateProgress(ctx, deckID)
	return nil
}

func (r *deckRepository) MarkError(ctx context.Context, deckID uint, msg string) error {
	err := r.db.WithContext(ctx).Model(&model.Deck{}).Where("id = ?", deckID).
		Updates(map[string]interface{}{
			"is_processing":    false,
			"processing_stage": model.StageError,
			"error_message":    msg,
		}).Error
	if err != nil {
		return err
	}
	r.invalidateProgress(ctx, deckID)
	return nil
}

func (r *deckRepository) MarkPartialCompletion(ctx context.Context, deckID uint) error {
	err := r.db.WithContext(ctx).Model(&model.Deck{}).Where("id = ?", deckID).
		UpdateColumn("processing_stage", model.StagePartialCompletion).Error
	if err != nil {
		return err
	}
	r.invalidateProgress(ctx, deckID)
	return nil
}

func (r *deckRepository) Finalize(ctx context.Context, deckID uint, stage string, progress int) error {
	err := r.db.WithContext(ctx).Model(&model.Deck{}).Where("id = ?", deckID).
		Updates(map[string]interface{}{
			"is_processing":       false,
			"processing_stage":    stage,
			"processing_progress": progress,
		}).Error
	if err != nil {
		return err
	}
	r.invalidateProgress(ctx, deckID)
	return nil
}

func (r *deckRepository) ResetForGeneration(ctx context.Context, deckID uint) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("deck_id = ?", deckID).Delete(&model.ChunkCompletion{}).Error; err != nil {
			return err
		}
		return tx.Model(&model.Deck{}).Where("id = ?", deckID).
			Updates(map[string]interface{}{
				"is_processing":       true,
				"processing_stage":    model.StageQueued,
				"processing_progress": 0,
				"total_chunks":        0,
				"processed_chunks":    0,
				"error_message":       "",
			}).Error
	})
	if err != nil {
		return err
	}
	r.invalidateProgress(ctx, deckID)
	return nil
}

func (r *deckRepository) AttachMindMap(ctx context.Context, deckID uint, category string, mindMap []byte) error {
	return r.db.WithContext(ctx).Model(&model.Deck{}).Where("id = ?", deckID).
		Updates(map[string]interface{}{
			"category": category,
			"mind_map": mindMap,
		}).Error
}

// GetCachedProgress 从 Redis 读取进度缓存；缓存未命中或未配置 Redis 时返回 nil。
func (r *deckRepository) GetCachedProgress(ctx context.Context, deckID uint) (*DeckProgress, error) {
	if r.redisClient == nil {
		return nil, nil
	}
	val, err := r.redisClient.Get(ctx, r.getProgressKey(deckID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var p DeckProgress
	if err := json.Unmarshal(val, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SetCachedProgress 写入进度缓存，带短 TTL。
func (r *deckRepository) SetCachedProgress(ctx context.Context, p *DeckProgress) error {
	if r.redisClient == nil {
		return nil
	}
	val, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.redisClient.Set(ctx, r.getProgressKey(p.DeckID), val, progressCacheTTL).Err()
}

// invalidateProgress 删除进度缓存。写路径失败时只丢缓存，不影响主流程。
func (r *deckRepository) invalidateProgress(ctx context.Context, deckID uint) {
	if r.redisClient == nil {
		return
	}
	_ = r.redisClient.Del(ctx, r.getProgressKey(deckID)).Err()
}
