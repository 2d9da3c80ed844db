package model

import (
	"time"

	"gorm.io/datatypes"
)

// 学习内容的类型枚举。
const (
	ContentTypeFlashcard = "flashcard"
	ContentTypeMCQ       = "mcq"
	ContentTypeFRQ       = "frq"
)

// StudyContent 对应于数据库中的 'study_contents' 表。
// 每条记录是一项生成的学习内容（卡片/选择题/简答题）。
type StudyContent struct {
	ID              uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	StudyMaterialID uint           `gorm:"not null;index" json:"studyMaterialId"`
	Type            string         `gorm:"type:varchar(16);not null" json:"type"`
	Question        string         `gorm:"type:text;not null" json:"question"`
	Answer          string         `gorm:"type:text" json:"answer"`
	Options         datatypes.JSON `gorm:"column:options" json:"options,omitempty"` // 仅选择题使用
	Explanation     string         `gorm:"type:text" json:"explanation,omitempty"`
	ChunkIndex      int            `gorm:"not null" json:"chunkIndex"`
	Difficulty      string         `gorm:"type:varchar(16)" json:"difficulty"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (StudyContent) TableName() string {
	return "study_contents"
}

// DeckContent 对应于数据库中的 'deck_contents' 表。
// 它记录内容在某副牌组内的展示顺序；order_index 在同一 deck 内唯一递增，
// 取值来自 Deck.ContentSeq，在落库事务内分配。
type DeckContent struct {
	ID             uint `gorm:"primaryKey;autoIncrement" json:"id"`
	DeckID         uint `gorm:"not null;uniqueIndex:uk_deck_order" json:"deckId"`
	StudyContentID uint `gorm:"not null;index" json:"studyContentId"`
	OrderIndex     int  `gorm:"not null;uniqueIndex:uk_deck_order" json:"orderIndex"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (DeckContent) TableName() string {
	return "deck_contents"
}
