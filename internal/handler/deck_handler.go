// Package handler 包含了所有 Gin HTTP 请求的处理器。
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"remevi-go/internal/service"
	"remevi-go/pkg/log"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// DeckHandler 结构体定义了牌组相关的处理器。
type DeckHandler struct {
	deckService service.DeckService
}

// NewDeckHandler 创建一个新的 DeckHandler 实例。
func NewDeckHandler(deckService service.DeckService) *DeckHandler {
	return &DeckHandler{
		deckService: deckService,
	}
}

// GetStatus 是进度轮询接口的 Gin 处理函数。
func (h *DeckHandler) GetStatus(c *gin.Context) {
	deckID, ok := parseDeckID(c)
	if !ok {
		return
	}

	progress, err := h.deckService.GetStatus(c.Request.Context(), deckID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "牌组不存在"})
			return
		}
		log.Errorf("[DeckHandler] 查询 Deck %d 进度失败: %v", deckID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询进度失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": progress, "message": "success"})
}

// StartGeneration 是触发生成接口的 Gin 处理函数。
func (h *DeckHandler) StartGeneration(c *gin.Context) {
	deckID, ok := parseDeckID(c)
	if !ok {
		return
	}

	var req service.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求体"})
		return
	}
	log.Infof("[DeckHandler] 收到生成请求, deckId=%d, difficulty=%s, aiModel=%s",
		deckID, req.Difficulty, req.AIModel)

	jobID, err := h.deckService.StartGeneration(c.Request.Context(), deckID, req)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "牌组不存在"})
		case errors.Is(err, service.ErrDeckBusy):
			c.JSON(http.StatusConflict, gin.H{"error": "牌组正在处理中，请稍后再试"})
		default:
			log.Errorf("[DeckHandler] 触发 Deck %d 生成失败: %v", deckID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "触发生成失败"})
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"code": 202, "data": gin.H{"jobId": jobID}, "message": "任务已入队"})
}

// parseDeckID 从路径参数解析牌组 ID，非法时直接写出 400。
func parseDeckID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的牌组 ID"})
		return 0, false
	}
	return uint(id), true
}
