package model

import "time"

// ChunkPart 对应于数据库中的 'chunk_parts' 表。
// 它暂存一个分块在途的消息分片，分块重组完成后整批删除。
// 正常运行下同一 (deck_id, chunk_index) 的行数不会超过 total_parts；
// 一旦超过即视为重复投递，该分块按致命错误处理。
type ChunkPart struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	DeckID     uint      `gorm:"not null;index:idx_deck_chunk" json:"deckId"`
	ChunkIndex int       `gorm:"not null;index:idx_deck_chunk" json:"chunkIndex"`
	PartIndex  int       `gorm:"not null" json:"partIndex"`
	TotalParts int       `gorm:"not null" json:"totalParts"`
	Data       string    `gorm:"type:mediumtext;not null" json:"-"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (ChunkPart) TableName() string {
	return "chunk_parts"
}

// ChunkCompletion 对应于数据库中的 'chunk_completions' 表。
// 每行记录一个已计入 processed_chunks 的分块。队列按 at-least-once
// 投递，重复送达的分块靠这里的唯一索引只计一次，processed_chunks
// 因而不会超过 total_chunks。
type ChunkCompletion struct {
	ID         uint `gorm:"primaryKey;autoIncrement" json:"id"`
	DeckID     uint `gorm:"not null;uniqueIndex:uk_chunk_completion" json:"deckId"`
	ChunkIndex int  `gorm:"not null;uniqueIndex:uk_chunk_completion" json:"chunkIndex"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (ChunkCompletion) TableName() string {
	return "chunk_completions"
}
