// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"remevi-go/internal/chunker"
	"remevi-go/internal/config"
	"remevi-go/internal/handler"
	"remevi-go/internal/middleware"
	"remevi-go/internal/model"
	"remevi-go/internal/pipeline"
	"remevi-go/internal/repository"
	"remevi-go/internal/service"
	"remevi-go/pkg/database"
	"remevi-go/pkg/es"
	"remevi-go/pkg/genai"
	"remevi-go/pkg/log"
	"remevi-go/pkg/queue"
	"remevi-go/pkg/storage"
	"remevi-go/pkg/tika"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis、对象存储与消息队列
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)
	queue.InitProducer(cfg.Kafka)

	// 表结构迁移
	if err := database.DB.AutoMigrate(
		&model.Deck{},
		&model.StudyMaterial{},
		&model.ChunkPart{},
		&model.ChunkCompletion{},
		&model.StudyContent{},
		&model.DeckContent{},
	); err != nil {
		log.Fatalf("数据库迁移失败: %v", err)
	}

	// Elasticsearch 可选：未配置时跳过索引能力
	var indexer pipeline.ContentIndexer
	if cfg.Elasticsearch.Addresses != "" {
		if err := es.InitES(cfg.Elasticsearch); err != nil {
			log.Errorf("es 初始化失败 %s", err)
			return
		}
		indexer = es.NewContentIndexer(cfg.Elasticsearch)
	} else {
		log.Warnf("未配置 Elasticsearch，生成内容不做检索索引")
	}

	// 4. 初始化 Repository
	deckRepo := repository.NewDeckRepository(database.DB, database.RDB)
	partRepo := repository.NewPartRepository(database.DB)
	contentRepo := repository.NewContentRepository(database.DB)
	matRepo := repository.NewMaterialRepository(database.DB)

	// 5. 初始化流水线 (Processor) 与其外部依赖
	tikaClient := tika.NewClient(cfg.Tika)
	genClient := genai.NewClient(cfg.AI)
	producer := queue.NewProducer(cfg.Pipeline.PublishMaxRetries)
	processor := pipeline.NewProcessor(
		chunker.NewSplitter(cfg.Pipeline.ChunkPages),
		storage.NewObjectFetcher(cfg.MinIO),
		tikaClient,
		genClient,
		producer,
		indexer,
		deckRepo,
		partRepo,
		contentRepo,
		matRepo,
		cfg.Pipeline,
	)

	// 6. 初始化 Service (依赖注入)
	deckService := service.NewDeckService(deckRepo, matRepo, producer)

	// 7. 启动后台 Kafka 消费者
	go queue.StartConsumer(cfg.Kafka, processor)

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 9. 注册路由
	apiV1 := r.Group("/api/v1")
	{
		decks := apiV1.Group("/decks")
		{
			deckHandler := handler.NewDeckHandler(deckService)
			decks.GET("/:id/status", deckHandler.GetStatus)
			decks.POST("/:id/generate", deckHandler.StartGeneration)
		}
	}

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}
