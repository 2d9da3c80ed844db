package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"remevi-go/internal/model"
	"remevi-go/pkg/log"
	"remevi-go/pkg/tasks"
)

// handleEnrich 在牌组完成后生成概念图与分类。
// 富化是非关键路径：牌组已是 COMPLETED 终态，这里的任何业务失败
// 都只记日志，绝不回退牌组状态。
func (p *Processor) handleEnrich(ctx context.Context, task tasks.EnrichTask) error {
	if task.DeckID == 0 || task.StudyMaterialID == 0 {
		log.Errorf("[Processor] enrich 任务字段非法, 已拒绝: %+v", task)
		return nil
	}
	log.Infof("[Processor] 开始富化, DeckID: %d", task.DeckID)

	// 读库失败属于基础设施故障，交给队列重投（富化幂等，可安全重放）
	contents, err := p.contentRepo.FindByMaterial(ctx, task.StudyMaterialID)
	if err != nil {
		return fmt.Errorf("读取资料 %d 内容失败: %w", task.StudyMaterialID, err)
	}
	if len(contents) == 0 {
		log.Warnf("[Processor] 资料 %d 无已落库内容，跳过富化", task.StudyMaterialID)
		return nil
	}

	result, err := p.generator.GenerateMindMap(ctx, formatContentForMindMap(contents), task.AIModel)
	if err != nil {
		log.Errorf("[Processor] Deck %d 概念图生成失败, 跳过富化: %v", task.DeckID, err)
		return nil
	}

	mindMap, err := json.Marshal(map[string]interface{}{
		"nodes":       result.Nodes,
		"connections": result.Connections,
	})
	if err != nil {
		log.Errorf("[Processor] Deck %d 概念图序列化失败: %v", task.DeckID, err)
		return nil
	}

	if err := p.deckRepo.AttachMindMap(ctx, task.DeckID, result.Category, mindMap); err != nil {
		log.Errorf("[Processor] Deck %d 概念图写入失败: %v", task.DeckID, err)
		return nil
	}
	log.Infof("[Processor] Deck %d 富化完成: nodes=%d, connections=%d, category=%s",
		task.DeckID, len(result.Nodes), len(result.Connections), result.Category)
	return nil
}

// formatContentForMindMap 把已落库的内容拼成概念图提示词的输入文本。
func formatContentForMindMap(contents []model.StudyContent) string {
	var sb strings.Builder
	for _, c := range contents {
		sb.WriteString(fmt.Sprintf("[%s] Q: %s\nA: %s\n", c.Type, c.Question, c.Answer))
	}
	return sb.String()
}
