// Package tasks defines the structures for jobs that are sent to Kafka.
package tasks

import "encoding/json"

// 任务类型常量。三类任务共用一个 topic，通过信封上的 kind 区分。
const (
	KindStart     = "start"
	KindChunkPart = "chunk-part"
	KindEnrich    = "enrich"
)

// Envelope 是所有队列消息的外层结构。
// JobID 用于日志关联与消费端失败计数。
type Envelope struct {
	JobID   string          `json:"jobId"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// FileMetadata 描述源文件的基本信息。
type FileMetadata struct {
	OriginalName string `json:"originalName"`
	Type         string `json:"type"`
	Size         int64  `json:"size"`
}

// PageRange 指定需要处理的页码区间（1 起始，闭区间）。
type PageRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// StartTask 是生成流程的起始任务。
type StartTask struct {
	DeckID          uint         `json:"deckId"`
	StudyMaterialID uint         `json:"studyMaterialId"`
	FilePath        string       `json:"filePath"`
	Metadata        FileMetadata `json:"metadata"`
	PageRange       *PageRange   `json:"pageRange,omitempty"`
	AIModel         string       `json:"aiModel"`
	Difficulty      string       `json:"difficulty"`
}

// ChunkPartTask 承载一个分块的一个消息分片。
// 当编码后的分块不超过消息体上限时，发送方直接填 Chunk 并将
// TotalParts 置 1，接收方跳过分片暂存。
type ChunkPartTask struct {
	DeckID           uint   `json:"deckId"`
	StudyMaterialID  uint   `json:"studyMaterialId"`
	ChunkIndex       int    `json:"chunkIndex"`
	TotalChunks      int    `json:"totalChunks"`
	Chunk            string `json:"chunk,omitempty"`     // 非分片变体：完整的编码分块
	ChunkPart        string `json:"chunkPart,omitempty"` // 分片变体：编码分块的一个切片
	PartIndex        int    `json:"partIndex"`
	TotalParts       int    `json:"totalParts"`
	DifficultyPrompt string `json:"difficultyPrompt"`
	Difficulty       string `json:"difficulty"`
	AIModel          string `json:"aiModel"`
	IsLastChunk      bool   `json:"isLastChunk"`
}

// EnrichTask 在全部分块完成后触发知识图谱生成。
type EnrichTask struct {
	DeckID          uint   `json:"deckId"`
	StudyMaterialID uint   `json:"studyMaterialId"`
	AIModel         string `json:"aiModel"`
}

// NewEnvelope 将任意任务载荷包装为带 kind 的信封。
func NewEnvelope(jobID, kind string, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{JobID: jobID, Kind: kind, Payload: raw}, nil
}
