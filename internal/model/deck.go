// Package model 定义了与数据库表对应的 Go 结构体。
package model

import (
	"time"

	"gorm.io/datatypes"
)

// Deck 的处理阶段枚举。终态为 COMPLETED / PARTIAL_COMPLETION / ERROR。
const (
	StageQueued            = "QUEUED"
	StageChunking          = "CHUNKING"
	StageQueuingChunks     = "QUEUING_CHUNKS"
	StageProcessingChunks  = "PROCESSING_CHUNKS"
	StageSaving            = "SAVING"
	StageCompleted         = "COMPLETED"
	StagePartialCompletion = "PARTIAL_COMPLETION"
	StageError             = "ERROR"
)

// IsTerminalStage 判断某个阶段是否为终态。
func IsTerminalStage(stage string) bool {
	return stage == StageCompleted || stage == StagePartialCompletion || stage == StageError
}

// Deck 定义了 decks 表的 ORM 模型。
// 它是对外可见的处理进度对象，结构与 Node 项目中的 Deck 实体对齐。
type Deck struct {
	ID                 uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	StudyMaterialID    uint           `gorm:"not null;index" json:"studyMaterialId"`
	Title              string         `gorm:"type:varchar(255)" json:"title"`
	IsProcessing       bool           `gorm:"not null;default:false" json:"isProcessing"`
	ProcessingStage    string         `gorm:"type:varchar(32);not null;default:'QUEUED'" json:"processingStage"`
	ProcessingProgress int            `gorm:"not null;default:0" json:"processingProgress"`
	TotalChunks        int            `gorm:"not null;default:0" json:"totalChunks"`
	ProcessedChunks    int            `gorm:"not null;default:0" json:"processedChunks"`
	ContentSeq         int            `gorm:"not null;default:0" json:"-"` // 每副牌组的内容排序序列，只在落库事务内递增
	ErrorMessage       string         `gorm:"type:varchar(512);column:error_message" json:"error,omitempty"`
	Category           string         `gorm:"type:varchar(100)" json:"category,omitempty"`
	MindMap            datatypes.JSON `gorm:"column:mind_map" json:"mindMap,omitempty"`
	CreatedAt          time.Time      `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt          time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`
}

// Settled 判断牌组的处理是否已经收束。收束的牌组收到迟到或重放的
// 分块任务时直接忽略。注意 PARTIAL_COMPLETION 在收尾器运行前只是
// 中途标记（is_processing 仍为 true）：某个分块落库重试耗尽只损失
// 该分块自身的内容，剩余分块必须继续生成与落库，否则牌组永远无法
// 收尾。只有 is_processing 已置 false 的 PARTIAL_COMPLETION 才算收束。
func (d *Deck) Settled() bool {
	if d.ProcessingStage == StagePartialCompletion {
		return !d.IsProcessing
	}
	return IsTerminalStage(d.ProcessingStage)
}

// TableName 指定了此模型在数据库中对应的表名。
func (Deck) TableName() string {
	return "decks"
}

// StudyMaterial 的状态枚举。
const (
	MaterialStatusProcessing = "processing"
	MaterialStatusCompleted  = "completed"
	MaterialStatusError      = "error"
)

// StudyMaterial 定义了 study_materials 表的 ORM 模型。
// 一次上传对应一条记录，多副 Deck 引用它。
type StudyMaterial struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	FileName  string    `gorm:"type:varchar(255);not null" json:"fileName"`
	FilePath  string    `gorm:"type:varchar(512);not null" json:"filePath"`
	FileType  string    `gorm:"type:varchar(100)" json:"fileType"`
	FileSize  int64     `json:"fileSize"`
	Status    string    `gorm:"type:varchar(16);not null;default:'processing'" json:"status"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (StudyMaterial) TableName() string {
	return "study_materials"
}
