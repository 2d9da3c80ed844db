// Package service 提供了牌组生成与进度查询的业务逻辑。
package service

import (
	"context"
	"errors"
	"fmt"

	"remevi-go/internal/pipeline"
	"remevi-go/internal/repository"
	"remevi-go/pkg/log"
	"remevi-go/pkg/tasks"

	"github.com/google/uuid"
)

// ErrDeckBusy 表示牌组正在处理中，拒绝重复触发生成。
var ErrDeckBusy = errors.New("牌组正在处理中")

// GenerateRequest 是触发生成的请求体。
type GenerateRequest struct {
	PageRange  *tasks.PageRange `json:"pageRange,omitempty"`
	AIModel    string           `json:"aiModel"`
	Difficulty string           `json:"difficulty"`
}

// DeckService 接口定义了牌组相关的业务操作。
type DeckService interface {
	// GetStatus 返回牌组的处理进度，优先走 Redis 缓存。
	GetStatus(ctx context.Context, deckID uint) (*repository.DeckProgress, error)
	// StartGeneration 校验请求、重置牌组状态并发布 start 任务，返回 jobId。
	StartGeneration(ctx context.Context, deckID uint, req GenerateRequest) (string, error)
}

type deckService struct {
	deckRepo  repository.DeckRepository
	matRepo   repository.MaterialRepository
	publisher pipeline.Publisher
}

// NewDeckService 创建一个新的 DeckService 实例。
func NewDeckService(deckRepo repository.DeckRepository, matRepo repository.MaterialRepository, publisher pipeline.Publisher) DeckService {
	return &deckService{
		deckRepo:  deckRepo,
		matRepo:   matRepo,
		publisher: publisher,
	}
}

// GetStatus 以 read-through 方式查询进度：缓存新鲜即直接返回，
// 未命中时查库并回填缓存。
func (s *deckService) GetStatus(ctx context.Context, deckID uint) (*repository.DeckProgress, error) {
	cached, err := s.deckRepo.GetCachedProgress(ctx, deckID)
	if err != nil {
		// 缓存故障退化为直查数据库
		log.Warnf("[DeckService] 读取 Deck %d 进度缓存失败: %v", deckID, err)
	}
	if cached != nil {
		return cached, nil
	}

	deck, err := s.deckRepo.GetDeck(ctx, deckID)
	if err != nil {
		return nil, err
	}
	progress := &repository.DeckProgress{
		DeckID:             deck.ID,
		IsProcessing:       deck.IsProcessing,
		ProcessingStage:    deck.ProcessingStage,
		ProcessingProgress: deck.ProcessingProgress,
		TotalChunks:        deck.TotalChunks,
		ProcessedChunks:    deck.ProcessedChunks,
		Error:              deck.ErrorMessage,
	}
	if err := s.deckRepo.SetCachedProgress(ctx, progress); err != nil {
		log.Warnf("[DeckService] 回填 Deck %d 进度缓存失败: %v", deckID, err)
	}
	return progress, nil
}

// StartGeneration 把牌组重置回 QUEUED 并投递 start 任务。
// 处理中的牌组拒绝重复触发；终态牌组允许重新生成。
func (s *deckService) StartGeneration(ctx context.Context, deckID uint, req GenerateRequest) (string, error) {
	deck, err := s.deckRepo.GetDeck(ctx, deckID)
	if err != nil {
		return "", err
	}
	if deck.IsProcessing && !deck.Settled() {
		return "", ErrDeckBusy
	}

	material, err := s.matRepo.GetMaterial(ctx, deck.StudyMaterialID)
	if err != nil {
		return "", fmt.Errorf("读取 Deck %d 关联资料失败: %w", deckID, err)
	}

	if err := s.deckRepo.ResetForGeneration(ctx, deckID); err != nil {
		return "", err
	}

	task := tasks.StartTask{
		DeckID:          deck.ID,
		StudyMaterialID: material.ID,
		FilePath:        material.FilePath,
		Metadata: tasks.FileMetadata{
			OriginalName: material.FileName,
			Type:         material.FileType,
			Size:         material.FileSize,
		},
		PageRange:  req.PageRange,
		AIModel:    req.AIModel,
		Difficulty: req.Difficulty,
	}
	jobID := uuid.NewString()
	env, err := tasks.NewEnvelope(jobID, tasks.KindStart, task)
	if err != nil {
		return "", fmt.Errorf("构造 start 任务失败: %w", err)
	}
	if err := s.publisher.PublishWithRetry(ctx, env); err != nil {
		// 投递失败时把牌组落回 ERROR，避免永远停在 QUEUED
		if merr := s.deckRepo.MarkError(ctx, deckID, "任务投递失败: "+err.Error()); merr != nil {
			log.Errorf("[DeckService] 标记 Deck %d 错误状态失败: %v", deckID, merr)
		}
		return "", fmt.Errorf("投递 start 任务失败: %w", err)
	}

	log.Infof("[DeckService] Deck %d 生成任务已投递, jobId=%s, difficulty=%s", deckID, jobID, req.Difficulty)
	return jobID, nil
}
