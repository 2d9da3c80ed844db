package repository

import (
	"context"

	"remevi-go/internal/model"

	"gorm.io/gorm"
)

// ContentRepository 负责生成内容的事务化持久化。
type ContentRepository interface {
	// SaveChunkContent 在一个事务内写入一个分块的全部内容行与牌组排序行。
	// 排序值取自 Deck.ContentSeq：事务内先把序列一次性前移 len(items)，
	// UPDATE 持有的行锁把并发落库的分块串行化，保证 order_index 不重号。
	// 返回带自增 ID 的内容行，供调用方做检索索引。
	SaveChunkContent(ctx context.Context, deckID uint, items []model.StudyContent) ([]model.StudyContent, error)
	// FindByMaterial 读取某份资料的全部已持久化内容（富化阶段使用）。
	FindByMaterial(ctx context.Context, studyMaterialID uint) ([]model.StudyContent, error)
	// CountByDeck 统计某副牌组已挂载的内容条数。
	CountByDeck(ctx context.Context, deckID uint) (int64, error)
}

// contentRepository 是 ContentRepository 接口的 GORM 实现。
type contentRepository struct {
	db *gorm.DB
}

// NewContentRepository 创建一个新的 ContentRepository 实例。
func NewContentRepository(db *gorm.DB) ContentRepository {
	return &contentRepository{db: db}
}

func (r *contentRepository) SaveChunkContent(ctx context.Context, deckID uint, items []model.StudyContent) ([]model.StudyContent, error) {
	if len(items) == 0 {
		return nil, nil
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. 原子地为本分块预留一段连续的排序区间
		if err := tx.Model(&model.Deck{}).Where("id = ?", deckID).
			UpdateColumn("content_seq", gorm.Expr("content_seq + ?", len(items))).Error; err != nil {
			return err
		}

		// 行锁未释放，此处读到的就是本事务前移后的序列值
		var deck model.Deck
		if err := tx.Select("content_seq").First(&deck, deckID).Error; err != nil {
			return err
		}
		base := deck.ContentSeq - len(items)

		// 2. 写入内容行
		if err := tx.Create(&items).Error; err != nil {
			return err
		}

		// 3. 写入牌组排序行
		deckContents := make([]model.DeckContent, 0, len(items))
		for i, item := range items {
			deckContents = append(deckContents, model.DeckContent{
				DeckID:         deckID,
				StudyContentID: item.ID,
				OrderIndex:     base + i,
			})
		}
		return tx.Create(&deckContents).Error
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *contentRepository) FindByMaterial(ctx context.Context, studyMaterialID uint) ([]model.StudyContent, error) {
	var contents []model.StudyContent
	err := r.db.WithContext(ctx).
		Where("study_material_id = ?", studyMaterialID).
		Order("chunk_index asc, id asc").
		Find(&contents).Error
	return contents, err
}

func (r *contentRepository) CountByDeck(ctx context.Context, deckID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.DeckContent{}).
		Where("deck_id = ?", deckID).
		Count(&count).Error
	return count, err
}
