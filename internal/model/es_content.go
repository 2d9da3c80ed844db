package model

// EsStudyContent 定义了索引到 Elasticsearch 的学习内容文档结构。
// 供检索层做全文搜索，索引失败不影响流水线状态。
type EsStudyContent struct {
	ContentID       string `json:"content_id"` // 唯一标识，例如 deckId_contentId
	DeckID          uint   `json:"deck_id"`
	StudyMaterialID uint   `json:"study_material_id"`
	Type            string `json:"type"`
	Question        string `json:"question"`
	Answer          string `json:"answer"`
	ChunkIndex      int    `json:"chunk_index"`
	Difficulty      string `json:"difficulty"`
}
