package pipeline

import (
	"context"

	"remevi-go/internal/chunker"
	"remevi-go/internal/model"
	"remevi-go/internal/partcodec"
	"remevi-go/pkg/genai"
	"remevi-go/pkg/log"
	"remevi-go/pkg/tasks"

	"github.com/google/uuid"
)

// handleStart 处理生成流程的起始任务：
// 下载源文件 → 按页切分 → 编码分片 → 逐片发布 chunk-part 任务。
// 小文档（分块数不超过 inline_max_chunks）走内联策略，在本任务内
// 顺序处理所有分块，跳过分片编解码与暂存。
func (p *Processor) handleStart(ctx context.Context, task tasks.StartTask) error {
	log.Infof("[Processor] 开始处理 start 任务, DeckID: %d, MaterialID: %d, File: %s",
		task.DeckID, task.StudyMaterialID, task.FilePath)

	// 1. 入参校验。deckId 未知时无处落错误状态，只能拒绝。
	if task.DeckID == 0 {
		log.Errorf("[Processor] start 任务缺少 deckId, 已拒绝: %+v", task)
		return nil
	}
	if task.StudyMaterialID == 0 || task.FilePath == "" || task.AIModel == "" || task.Difficulty == "" {
		return p.failDeck(ctx, task.DeckID, task.StudyMaterialID, "生成任务缺少必填字段")
	}

	deck, err := p.loadDeckForJob(ctx, task.DeckID)
	if err != nil || deck == nil {
		return err
	}
	// 重放保护：分块消息已全部发出的牌组不再重复分发，
	// 否则重复分片会触发分块级的致命不一致。
	if deck.ProcessingStage == model.StageProcessingChunks {
		log.Infof("[Processor] Deck %d 已在处理分块，start 任务重放忽略", task.DeckID)
		return nil
	}

	// 2. 下载源文件
	if err := p.deckRepo.UpdateStage(ctx, task.DeckID, model.StageChunking, progressChunking); err != nil {
		return err
	}
	if err := p.matRepo.UpdateStatus(ctx, task.StudyMaterialID, model.MaterialStatusProcessing); err != nil {
		log.Warnf("[Processor] 更新资料 %d 状态失败: %v", task.StudyMaterialID, err)
	}

	doc, err := p.fetcher.FetchObject(ctx, task.FilePath)
	if err != nil {
		return p.failDeck(ctx, task.DeckID, task.StudyMaterialID, "下载源文件失败: "+err.Error())
	}

	// 3. 按页切分。任何页面提取失败都在分发前让整个任务中止。
	start, end := 0, 0
	if task.PageRange != nil {
		start, end = task.PageRange.Start, task.PageRange.End
	}
	chunks, err := p.splitter.Split(ctx, doc, start, end)
	if err != nil {
		return p.failDeck(ctx, task.DeckID, task.StudyMaterialID, "文档切分失败: "+err.Error())
	}
	log.Infof("[Processor] 文档切分完成, DeckID: %d, 共 %d 个分块", task.DeckID, len(chunks))

	if err := p.deckRepo.SetTotalChunks(ctx, task.DeckID, len(chunks)); err != nil {
		return err
	}
	if err := p.deckRepo.UpdateStage(ctx, task.DeckID, model.StageQueuingChunks, progressQueuingChunks); err != nil {
		return err
	}

	difficultyPrompt := genai.DifficultyPrompt(task.Difficulty)

	// 4. 小文档内联处理，跳过消息分片
	if len(chunks) <= p.cfg.InlineMaxChunks {
		return p.runInline(ctx, task, chunks, difficultyPrompt)
	}

	// 5. 扇出：每个分块编码后按消息体上限切片，一片一条消息
	for _, c := range chunks {
		encoded := partcodec.Encode(c.Data)
		parts := partcodec.Split(encoded, p.cfg.PartSizeLimit)

		for pi, part := range parts {
			chunkTask := tasks.ChunkPartTask{
				DeckID:           task.DeckID,
				StudyMaterialID:  task.StudyMaterialID,
				ChunkIndex:       c.Index,
				TotalChunks:      len(chunks),
				PartIndex:        pi,
				TotalParts:       len(parts),
				DifficultyPrompt: difficultyPrompt,
				Difficulty:       task.Difficulty,
				AIModel:          task.AIModel,
				IsLastChunk:      c.Index == len(chunks)-1,
			}
			if len(parts) == 1 {
				// 编码结果未超限，退化为非分片变体，接收端跳过暂存
				chunkTask.Chunk = part
			} else {
				chunkTask.ChunkPart = part
			}

			env, err := tasks.NewEnvelope(uuid.NewString(), tasks.KindChunkPart, chunkTask)
			if err != nil {
				return p.failDeck(ctx, task.DeckID, task.StudyMaterialID, "构造分块消息失败: "+err.Error())
			}
			if err := p.publisher.PublishWithRetry(ctx, env); err != nil {
				return p.failDeck(ctx, task.DeckID, task.StudyMaterialID, "分发分块消息失败: "+err.Error())
			}
		}
	}

	// 6. 全部分片发布完毕，进入分块处理阶段
	if err := p.deckRepo.UpdateStage(ctx, task.DeckID, model.StageProcessingChunks, progressChunksBase); err != nil {
		return err
	}
	log.Infof("[Processor] start 任务完成, DeckID: %d, 已分发 %d 个分块", task.DeckID, len(chunks))
	return nil
}

// runInline 是单任务执行策略：所有分块在本任务内顺序处理，
// 阶段与进度变化和扇出策略保持一致。
func (p *Processor) runInline(ctx context.Context, task tasks.StartTask, chunks []chunker.Chunk, difficultyPrompt string) error {
	log.Infof("[Processor] Deck %d 走内联策略处理 %d 个分块", task.DeckID, len(chunks))
	if err := p.deckRepo.UpdateStage(ctx, task.DeckID, model.StageProcessingChunks, progressChunksBase); err != nil {
		return err
	}

	for _, c := range chunks {
		job := chunkJob{
			deckID:           task.DeckID,
			materialID:       task.StudyMaterialID,
			chunkIndex:       c.Index,
			totalChunks:      len(chunks),
			data:             c.Data,
			difficultyPrompt: difficultyPrompt,
			aiModel:          task.AIModel,
			difficulty:       task.Difficulty,
		}
		done, err := p.processChunk(ctx, job)
		if err != nil {
			return err
		}
		if !done {
			// 分块级致命错误已把牌组置为 ERROR，放弃剩余分块
			return nil
		}
	}
	return nil
}
