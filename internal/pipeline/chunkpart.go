package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"remevi-go/internal/model"
	"remevi-go/internal/partcodec"
	"remevi-go/internal/repository"
	"remevi-go/pkg/genai"
	"remevi-go/pkg/log"
	"remevi-go/pkg/tasks"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// 落库重试的退避基准，按 2 的幂指数增长（1s、2s、4s...）。
var persistBackoffBase = time.Second

// chunkJob 是一个已重组、待生成的分块。扇出与内联两种策略
// 在这里汇合，之后的处理完全一致。
type chunkJob struct {
	deckID           uint
	materialID       uint
	chunkIndex       int
	totalChunks      int
	data             []byte
	difficultyPrompt string
	aiModel          string
	difficulty       string
}

// handleChunkPart 处理一个分块分片：暂存 → 凑齐后重组 → 生成 → 落库。
// 未凑齐时确认消息并退出，等后续分片到达。
func (p *Processor) handleChunkPart(ctx context.Context, task tasks.ChunkPartTask) error {
	if task.DeckID == 0 || task.TotalChunks <= 0 {
		log.Errorf("[Processor] chunk-part 任务字段非法, 已拒绝: deckId=%d, totalChunks=%d",
			task.DeckID, task.TotalChunks)
		return nil
	}

	deck, err := p.loadDeckForJob(ctx, task.DeckID)
	if err != nil || deck == nil {
		return err
	}

	var encoded string
	if task.Chunk != "" {
		// 非分片变体：消息里就是完整的编码分块，跳过暂存
		encoded = task.Chunk
	} else {
		encoded, err = p.collectParts(ctx, task)
		if err != nil {
			return err
		}
		if encoded == "" {
			// 分片尚未凑齐（RECEIVING），或不一致已按致命处理
			return nil
		}
	}

	data, err := partcodec.Decode(encoded)
	if err != nil {
		return p.failDeck(ctx, task.DeckID, task.StudyMaterialID,
			fmt.Sprintf("分块 %d 解码失败: %v", task.ChunkIndex, err))
	}

	_, err = p.processChunk(ctx, chunkJob{
		deckID:           task.DeckID,
		materialID:       task.StudyMaterialID,
		chunkIndex:       task.ChunkIndex,
		totalChunks:      task.TotalChunks,
		data:             data,
		difficultyPrompt: task.DifficultyPrompt,
		aiModel:          task.AIModel,
		difficulty:       task.Difficulty,
	})
	return err
}

// collectParts 暂存当前分片并在凑齐时原子取走全部分片。
// 返回空串表示本次无需继续（未凑齐或已按致命错误处理）。
func (p *Processor) collectParts(ctx context.Context, task tasks.ChunkPartTask) (string, error) {
	if err := p.partRepo.Put(ctx, &model.ChunkPart{
		DeckID:     task.DeckID,
		ChunkIndex: task.ChunkIndex,
		PartIndex:  task.PartIndex,
		TotalParts: task.TotalParts,
		Data:       task.ChunkPart,
	}); err != nil {
		return "", fmt.Errorf("暂存分块 %d 分片 %d 失败: %w", task.ChunkIndex, task.PartIndex, err)
	}

	count, err := p.partRepo.Count(ctx, task.DeckID, task.ChunkIndex)
	if err != nil {
		return "", fmt.Errorf("统计分块 %d 分片失败: %w", task.ChunkIndex, err)
	}
	if count < int64(task.TotalParts) {
		log.Infof("[Processor] 分块 %d 分片进度 %d/%d, 继续等待",
			task.ChunkIndex, count, task.TotalParts)
		return "", nil
	}
	if count > int64(task.TotalParts) {
		// 分片数超过声明值只可能来自重复投递或计数错误，不可恢复
		if err := p.partRepo.DeleteAll(ctx, task.DeckID, task.ChunkIndex); err != nil {
			log.Warnf("[Processor] 清理分块 %d 残留分片失败: %v", task.ChunkIndex, err)
		}
		return "", p.failDeck(ctx, task.DeckID, task.StudyMaterialID,
			fmt.Sprintf("分块 %d 分片数超出预期 (%d > %d)，疑似重复投递", task.ChunkIndex, count, task.TotalParts))
	}

	// 凑齐：原子地重新核对、删除并取回全部分片
	parts, err := p.partRepo.TakeAll(ctx, task.DeckID, task.ChunkIndex, task.TotalParts)
	if err != nil {
		if errors.Is(err, repository.ErrPartCountMismatch) {
			if derr := p.partRepo.DeleteAll(ctx, task.DeckID, task.ChunkIndex); derr != nil {
				log.Warnf("[Processor] 清理分块 %d 残留分片失败: %v", task.ChunkIndex, derr)
			}
			return "", p.failDeck(ctx, task.DeckID, task.StudyMaterialID,
				fmt.Sprintf("分块 %d 重组不一致: %v", task.ChunkIndex, err))
		}
		return "", fmt.Errorf("取回分块 %d 分片失败: %w", task.ChunkIndex, err)
	}

	indexed := make([]partcodec.IndexedPart, 0, len(parts))
	for _, part := range parts {
		indexed = append(indexed, partcodec.IndexedPart{Index: part.PartIndex, Data: part.Data})
	}
	// 必须按 partIndex 拼接，到达顺序不可信
	return partcodec.Join(indexed), nil
}

// processChunk 执行单个分块的生成与持久化。
// 返回 done=false 表示分块级致命错误已处理（牌组进 ERROR）。
func (p *Processor) processChunk(ctx context.Context, job chunkJob) (bool, error) {
	// at-least-once 投递下同一分块可能重复送达，已计数的分块直接跳过
	completed, err := p.deckRepo.IsChunkCompleted(ctx, job.deckID, job.chunkIndex)
	if err != nil {
		return false, err
	}
	if completed {
		log.Infof("[Processor] 分块 %d 已处理过，重复投递忽略, DeckID: %d", job.chunkIndex, job.deckID)
		return true, nil
	}

	log.Infof("[Processor] 开始处理分块 %d/%d, DeckID: %d",
		job.chunkIndex+1, job.totalChunks, job.deckID)

	// 1. 提取分块文本
	text, err := p.extractor.ExtractText(job.data)
	if err != nil {
		return false, p.failDeck(ctx, job.deckID, job.materialID,
			fmt.Sprintf("分块 %d 文本提取失败: %v", job.chunkIndex, err))
	}

	// 2. 调用生成能力。生成层不做自动重试：错误与空结果都视为
	// 该分块失败，牌组进 ERROR（fail-fast，不静默跳过无内容的分块）。
	result, err := p.generator.GenerateStudyContent(ctx, text, job.difficultyPrompt, job.aiModel)
	if err != nil {
		return false, p.failDeck(ctx, job.deckID, job.materialID,
			fmt.Sprintf("分块 %d 内容生成失败: %v", job.chunkIndex, err))
	}
	if result.IsEmpty() {
		return false, p.failDeck(ctx, job.deckID, job.materialID,
			fmt.Sprintf("分块 %d 未生成任何学习内容", job.chunkIndex))
	}

	// 3. 事务化落库，带指数退避重试
	items := buildContentRows(result, job)
	saved, err := p.persistWithRetry(ctx, job.deckID, items)
	if err != nil {
		// 软失败：仅该分块的内容丢失，已落库的分块仍然可用
		log.Errorf("[Processor] 分块 %d 落库重试耗尽, Deck %d 转为部分完成: %v",
			job.chunkIndex, job.deckID, err)
		if err := p.deckRepo.MarkPartialCompletion(ctx, job.deckID); err != nil {
			return false, err
		}
		// 仍计入已处理，否则牌组永远无法收尾
		return true, p.finishChunk(ctx, job)
	}

	// 4. 检索索引（尽力而为）
	p.indexChunkContent(ctx, job, saved)

	log.Infof("[Processor] 分块 %d/%d 处理完成, DeckID: %d, 新增内容 %d 条",
		job.chunkIndex+1, job.totalChunks, job.deckID, len(saved))
	return true, p.finishChunk(ctx, job)
}

// persistWithRetry 以有界的指数退避重试落库事务。
func (p *Processor) persistWithRetry(ctx context.Context, deckID uint, items []model.StudyContent) ([]model.StudyContent, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.PersistMaxRetries; attempt++ {
		saved, err := p.contentRepo.SaveChunkContent(ctx, deckID, items)
		if err == nil {
			return saved, nil
		}
		lastErr = err
		log.Warnf("[Processor] 内容落库失败 (attempt %d/%d), DeckID: %d, err=%v",
			attempt, p.cfg.PersistMaxRetries, deckID, err)
		if attempt < p.cfg.PersistMaxRetries {
			select {
			case <-time.After(persistBackoffBase << (attempt - 1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("内容落库重试耗尽: %w", lastErr)
}

// finishChunk 推进计数与进度，并在最后一个分块完成时收尾。
// 最后完成的分块未必是最后分发的分块，完成判定必须重读数据库。
func (p *Processor) finishChunk(ctx context.Context, job chunkJob) error {
	// 先落幂等标记再自增：两次投递并发处理同一分块时只有一方计数
	first, err := p.deckRepo.MarkChunkCompleted(ctx, job.deckID, job.chunkIndex)
	if err != nil {
		return err
	}
	if !first {
		log.Warnf("[Processor] 分块 %d 已计入完成，跳过重复计数, DeckID: %d", job.chunkIndex, job.deckID)
		return nil
	}

	processed, total, err := p.deckRepo.IncrementProcessedChunks(ctx, job.deckID)
	if err != nil {
		return err
	}

	if processed < total {
		return p.deckRepo.UpdateProgress(ctx, job.deckID, chunkProgress(processed, total))
	}

	// 本分块是最后一个完成的，负责收尾。重读牌组：
	// 中途可能有分块落库失败把阶段改成了 PARTIAL_COMPLETION。
	deck, err := p.deckRepo.GetDeck(ctx, job.deckID)
	if err != nil {
		return err
	}

	if deck.ProcessingStage == model.StagePartialCompletion {
		log.Warnf("[Processor] Deck %d 部分完成: %d/%d 分块, 进度冻结于 %d%%",
			job.deckID, processed, total, deck.ProcessingProgress)
		if err := p.deckRepo.Finalize(ctx, job.deckID, model.StagePartialCompletion, deck.ProcessingProgress); err != nil {
			return err
		}
		// 已落库的内容仍然可用，资料按完成处理，但不做富化
		if err := p.matRepo.UpdateStatus(ctx, job.materialID, model.MaterialStatusCompleted); err != nil {
			log.Warnf("[Processor] 更新资料 %d 状态失败: %v", job.materialID, err)
		}
		return nil
	}

	if err := p.deckRepo.UpdateStage(ctx, job.deckID, model.StageSaving, progressSaving); err != nil {
		return err
	}
	if err := p.deckRepo.Finalize(ctx, job.deckID, model.StageCompleted, progressCompleted); err != nil {
		return err
	}
	if err := p.matRepo.UpdateStatus(ctx, job.materialID, model.MaterialStatusCompleted); err != nil {
		log.Warnf("[Processor] 更新资料 %d 状态失败: %v", job.materialID, err)
	}
	log.Infof("[Processor] Deck %d 全部 %d 个分块处理完成", job.deckID, total)

	// 触发富化。富化属于非关键路径，发布失败只记日志。
	enrich := tasks.EnrichTask{
		DeckID:          job.deckID,
		StudyMaterialID: job.materialID,
		AIModel:         job.aiModel,
	}
	env, err := tasks.NewEnvelope(uuid.NewString(), tasks.KindEnrich, enrich)
	if err != nil {
		log.Errorf("[Processor] 构造 enrich 任务失败, DeckID: %d, err=%v", job.deckID, err)
		return nil
	}
	if err := p.publisher.PublishWithRetry(ctx, env); err != nil {
		log.Errorf("[Processor] 发布 enrich 任务失败, DeckID: %d, err=%v", job.deckID, err)
	}
	return nil
}

// buildContentRows 把生成结果展开为内容行。
func buildContentRows(result *genai.StudyContentResult, job chunkJob) []model.StudyContent {
	items := make([]model.StudyContent, 0, len(result.Flashcards)+len(result.MCQs)+len(result.FRQs))

	for _, fc := range result.Flashcards {
		items = append(items, model.StudyContent{
			StudyMaterialID: job.materialID,
			Type:            model.ContentTypeFlashcard,
			Question:        fc.Front,
			Answer:          fc.Back,
			ChunkIndex:      job.chunkIndex,
			Difficulty:      job.difficulty,
		})
	}
	for _, q := range result.MCQs {
		optBytes, err := json.Marshal(q.Options)
		if err != nil {
			optBytes = []byte("[]")
		}
		answer := ""
		if q.CorrectIndex >= 0 && q.CorrectIndex < len(q.Options) {
			answer = q.Options[q.CorrectIndex]
		}
		items = append(items, model.StudyContent{
			StudyMaterialID: job.materialID,
			Type:            model.ContentTypeMCQ,
			Question:        q.Question,
			Answer:          answer,
			Options:         datatypes.JSON(optBytes),
			Explanation:     q.Explanation,
			ChunkIndex:      job.chunkIndex,
			Difficulty:      job.difficulty,
		})
	}
	for _, q := range result.FRQs {
		items = append(items, model.StudyContent{
			StudyMaterialID: job.materialID,
			Type:            model.ContentTypeFRQ,
			Question:        q.Question,
			Answer:          q.Answer,
			ChunkIndex:      job.chunkIndex,
			Difficulty:      job.difficulty,
		})
	}
	return items
}

// indexChunkContent 把已落库的内容逐条索引到检索层，失败只记日志。
func (p *Processor) indexChunkContent(ctx context.Context, job chunkJob, saved []model.StudyContent) {
	if p.indexer == nil {
		return
	}
	for _, item := range saved {
		doc := model.EsStudyContent{
			ContentID:       fmt.Sprintf("%d_%d", job.deckID, item.ID),
			DeckID:          job.deckID,
			StudyMaterialID: item.StudyMaterialID,
			Type:            item.Type,
			Question:        item.Question,
			Answer:          item.Answer,
			ChunkIndex:      item.ChunkIndex,
			Difficulty:      item.Difficulty,
		}
		if err := p.indexer.IndexStudyContent(ctx, doc); err != nil {
			log.Warnf("[Processor] 索引内容 %d 到检索层失败: %v", item.ID, err)
		}
	}
}
