// Package pipeline 定义了学习内容生成的核心流程。
// 三类任务（start / chunk-part / enrich）由同一个 Processor 分发处理，
// 队列语义为 at-least-once，所有处理器都必须可安全重放。
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"remevi-go/internal/chunker"
	"remevi-go/internal/config"
	"remevi-go/internal/model"
	"remevi-go/internal/repository"
	"remevi-go/pkg/genai"
	"remevi-go/pkg/log"
	"remevi-go/pkg/tasks"

	"gorm.io/gorm"
)

// FileFetcher 是源文件获取能力（MinIO 实现）。
type FileFetcher interface {
	FetchObject(ctx context.Context, objectName string) ([]byte, error)
}

// TextExtractor 是分块文本提取能力（Tika 实现）。
type TextExtractor interface {
	ExtractText(data []byte) (string, error)
}

// Publisher 是带重试的任务发布能力（Kafka 实现）。
type Publisher interface {
	PublishWithRetry(ctx context.Context, env tasks.Envelope) error
}

// ContentIndexer 是生成内容的检索索引能力（Elasticsearch 实现）。
// 索引失败只记日志，从不影响牌组状态。
type ContentIndexer interface {
	IndexStudyContent(ctx context.Context, doc model.EsStudyContent) error
}

// DocumentSplitter 是文档分块能力（pdfcpu 实现）。
type DocumentSplitter interface {
	Split(ctx context.Context, doc []byte, start, end int) ([]chunker.Chunk, error)
}

// Processor 封装了生成流水线的所有依赖和逻辑。
type Processor struct {
	splitter    DocumentSplitter
	fetcher     FileFetcher
	extractor   TextExtractor
	generator   genai.Client
	publisher   Publisher
	indexer     ContentIndexer // 可为 nil（未配置 ES 时）
	deckRepo    repository.DeckRepository
	partRepo    repository.PartRepository
	contentRepo repository.ContentRepository
	matRepo     repository.MaterialRepository
	cfg         config.PipelineConfig
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(
	splitter DocumentSplitter,
	fetcher FileFetcher,
	extractor TextExtractor,
	generator genai.Client,
	publisher Publisher,
	indexer ContentIndexer,
	deckRepo repository.DeckRepository,
	partRepo repository.PartRepository,
	contentRepo repository.ContentRepository,
	matRepo repository.MaterialRepository,
	cfg config.PipelineConfig,
) *Processor {
	return &Processor{
		splitter:    splitter,
		fetcher:     fetcher,
		extractor:   extractor,
		generator:   generator,
		publisher:   publisher,
		indexer:     indexer,
		deckRepo:    deckRepo,
		partRepo:    partRepo,
		contentRepo: contentRepo,
		matRepo:     matRepo,
		cfg:         cfg,
	}
}

// Process 是任务分发入口，按信封上的 kind 路由到对应的处理器。
// 返回 error 表示基础设施故障，交给队列重投；业务性失败一律在
// 处理器内部转为牌组终态并返回 nil。
func (p *Processor) Process(ctx context.Context, env tasks.Envelope) error {
	switch env.Kind {
	case tasks.KindStart:
		var task tasks.StartTask
		if err := json.Unmarshal(env.Payload, &task); err != nil {
			log.Errorf("[Processor] 无法解析 start 任务载荷: %v", err)
			return nil // 格式错误重投无意义
		}
		return p.handleStart(ctx, task)
	case tasks.KindChunkPart:
		var task tasks.ChunkPartTask
		if err := json.Unmarshal(env.Payload, &task); err != nil {
			log.Errorf("[Processor] 无法解析 chunk-part 任务载荷: %v", err)
			return nil
		}
		return p.handleChunkPart(ctx, task)
	case tasks.KindEnrich:
		var task tasks.EnrichTask
		if err := json.Unmarshal(env.Payload, &task); err != nil {
			log.Errorf("[Processor] 无法解析 enrich 任务载荷: %v", err)
			return nil
		}
		return p.handleEnrich(ctx, task)
	default:
		log.Warnf("[Processor] 未知任务类型 '%s', jobId=%s, 已忽略", env.Kind, env.JobID)
		return nil
	}
}

// failDeck 把牌组置为 ERROR 终态并同步资料状态。
// 业务性致命错误的统一出口：处理完成即视为任务成功（提交 offset）。
func (p *Processor) failDeck(ctx context.Context, deckID, materialID uint, msg string) error {
	log.Errorf("[Processor] Deck %d 处理失败: %s", deckID, msg)
	if err := p.deckRepo.MarkError(ctx, deckID, msg); err != nil {
		return fmt.Errorf("标记 Deck %d 错误状态失败: %w", deckID, err)
	}
	if materialID != 0 {
		if err := p.matRepo.UpdateStatus(ctx, materialID, model.MaterialStatusError); err != nil {
			log.Warnf("[Processor] 更新资料 %d 状态失败: %v", materialID, err)
		}
	}
	return nil
}

// loadDeckForJob 读取牌组并判断是否需要继续处理。
// 牌组不存在或处理已收束时返回 nil deck：迟到/重放的任务直接忽略。
// 中途被标记为 PARTIAL_COMPLETION 的牌组不算收束，后续分块照常放行，
// 单个分块的落库失败只损失它自己的内容。
func (p *Processor) loadDeckForJob(ctx context.Context, deckID uint) (*model.Deck, error) {
	deck, err := p.deckRepo.GetDeck(ctx, deckID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warnf("[Processor] Deck %d 不存在，任务忽略", deckID)
			return nil, nil
		}
		return nil, err
	}
	if deck.Settled() {
		log.Infof("[Processor] Deck %d 已处于终态 %s，任务忽略", deckID, deck.ProcessingStage)
		return nil, nil
	}
	return deck, nil
}
