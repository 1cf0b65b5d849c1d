package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"travel-vault/internal/chunker"
	"travel-vault/internal/config"
	"travel-vault/internal/extractor"
	"travel-vault/internal/handler"
	"travel-vault/internal/index"
	"travel-vault/internal/middleware"
	"travel-vault/internal/model"
	"travel-vault/internal/pipeline"
	"travel-vault/internal/repository"
	"travel-vault/internal/service"
	"travel-vault/pkg/database"
	"travel-vault/pkg/embedding"
	"travel-vault/pkg/kafka"
	"travel-vault/pkg/llm"
	"travel-vault/pkg/log"
	"travel-vault/pkg/storage"
	"travel-vault/pkg/token"
)

func runServer(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}

	// 1. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 加载共享索引。索引损坏时拒绝启动，不会用空索引覆盖。
	store, err := index.OpenStore(cfg.Vault.IndexPath)
	if err != nil {
		log.Fatal("加载向量索引失败", err)
	}

	// 3. 原始文件存储
	uploads, err := storage.New(ctx, cfg)
	if err != nil {
		log.Fatal("初始化上传存储失败", err)
	}

	// 4. 文档目录与任务状态：未配置时退回进程内实现
	var docRepo repository.DocumentRepository
	if cfg.Database.MySQL.DSN != "" {
		database.InitMySQL(cfg.Database.MySQL.DSN, &model.Document{})
		docRepo = repository.NewDocumentRepository(database.DB)
	} else {
		log.Warnf("未配置 MySQL, 文档目录仅保存在内存中")
		docRepo = repository.NewMemoryDocumentRepository()
	}
	var statusRepo repository.IngestStatusRepository
	if cfg.Database.Redis.Addr != "" {
		database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
		statusRepo = repository.NewIngestStatusRepository(database.RDB)
	} else {
		statusRepo = repository.NewMemoryIngestStatusRepository()
	}

	// 5. 模型客户端与处理管道
	chk, err := chunker.New(cfg.Vault.ChunkSize, cfg.Vault.ChunkOverlap)
	if err != nil {
		log.Fatal("初始化分块器失败", err)
	}
	embedder := embedding.NewClient(cfg.Embedding)
	llmClient := llm.NewClient(cfg.LLM, nil)
	var ext extractor.Extractor = extractor.New()
	if cfg.Tika.ServerURL != "" {
		ext = extractor.NewTika(cfg.Tika, ext)
		log.Infof("Tika 提取已启用: %s", cfg.Tika.ServerURL)
	}
	processor := pipeline.NewProcessor(uploads, ext, chk, embedder, store, cfg.Embedding.Concurrency)

	// 6. 异步入库：仅在配置了 Kafka 时启用
	var publisher service.TaskPublisher
	var producer *kafka.Producer
	if cfg.Kafka.Brokers != "" {
		producer = kafka.NewProducer(cfg.Kafka)
		publisher = producer
	} else {
		log.Infof("未配置 Kafka, 异步入库接口不可用")
	}

	ingestService := service.NewIngestService(processor, store, uploads, docRepo, statusRepo, publisher)
	retrievalService := service.NewRetrievalService(embedder, store, cfg.Vault)
	answerService := service.NewAnswerService(retrievalService, llmClient, cfg.Vault.NoDocumentsAnswer)

	consumerDone := make(chan struct{})
	if producer != nil {
		go func() {
			defer close(consumerDone)
			kafka.StartConsumer(ctx, cfg.Kafka, ingestService)
		}()
	} else {
		close(consumerDone)
	}

	var jwtManager *token.JWTManager
	if cfg.JWT.Secret != "" {
		jwtManager = token.NewJWTManager(cfg.JWT.Secret, 0)
		log.Info("JWT 认证已启用")
	}

	// 7. 设置 Gin 模式并注册路由
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.MaxMultipartMemory = cfg.Server.MaxUploadMB << 20
	r.Use(middleware.RequestLogger(), gin.Recovery(), middleware.CORS(cfg.Server.CORSOrigins))

	r.GET("/", handler.Health)
	vaultHandler := handler.NewVaultHandler(ingestService, answerService, cfg.Server.MaxUploadMB)
	vault := r.Group("/api/v1/vault")
	vault.Use(middleware.AuthMiddleware(jwtManager))
	{
		vault.POST("/upload", vaultHandler.Upload)
		vault.POST("/upload/async", vaultHandler.UploadAsync)
		vault.POST("/query", vaultHandler.Query)
		vault.GET("/tasks/:taskId", vaultHandler.TaskStatus)
		vault.GET("/documents", vaultHandler.ListDocuments)
		vault.DELETE("/documents/:documentId", vaultHandler.DeleteDocument)
	}

	// 8. 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Infof("服务启动于 %s, 索引条目数: %d", srv.Addr, store.Snapshot().Len())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("HTTP 服务监听失败: %w", err)
		}
	case <-ctx.Done():
		log.Info("接收到停机信号，正在关闭服务...")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	<-consumerDone
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Errorf("关闭 Kafka 生产者失败: %v", err)
		}
	}
	log.Info("服务已优雅关闭")
	return nil
}
