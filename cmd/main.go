package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carrytrade-qa/internal/casestore"
	"carrytrade-qa/internal/config"
	"carrytrade-qa/internal/handler"
	"carrytrade-qa/internal/llm"
	"carrytrade-qa/internal/prompt"
	"carrytrade-qa/internal/service"
	"carrytrade-qa/internal/storage"
	"carrytrade-qa/pkg/logger"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// .env 可选，不存在时忽略
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Failed to load .env: %v", err)
	}

	// 加载配置
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}

	// 案例材料缺失或不完整时无法回答任何问题，直接退出
	caseStore := casestore.NewStore(cfg.Case.Path)
	doc, err := caseStore.Load()
	if err != nil {
		logger.Fatalf("Failed to load case document: %v", err)
	}
	if err := casestore.Validate(doc); err != nil {
		logger.Fatalf("Case document %s is incomplete: %v", doc.Path, err)
	}
	systemPrompt := prompt.Build(doc.Text)
	logger.Infof("Loaded case document %s (%d chars)", doc.Path, len(doc.Text))

	// 缺少 API key 不退出：服务照常启动，每次对话返回配置错误
	var client *llm.Client
	chatModel, configErr := llm.NewOpenAIChatModel(cfg.OpenAI, cfg.Chat.DefaultModel)
	if configErr != nil {
		logger.Warnf("Chat disabled: %v", configErr)
	} else {
		client = llm.NewClient(chatModel, cfg.Chat.AllowedModels)
	}

	store := storage.NewMemoryStorage(cfg.Session.TTL, cfg.Session.CleanupInterval)
	if err := store.Init(); err != nil {
		logger.Fatalf("Failed to initialize storage: %v", err)
	}

	chatService := service.NewChatService(service.Options{
		Storage:      store,
		Client:       client,
		ConfigErr:    configErr,
		SystemPrompt: systemPrompt,
		CasePath:     doc.Path,
		Chat:         cfg.Chat,
	})
	chatHandler := handler.NewChatHandler(chatService)

	router := setupRouter(cfg, chatHandler)

	server := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	go func() {
		logger.Infof("服务器启动在端口 %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("服务器启动失败: %v", err)
		}
	}()

	// 等待信号优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("服务器正在关闭...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 先结束进行中的对话，SSE 连接才能退出
	if err := store.Close(); err != nil {
		logger.Errorf("Failed to close storage: %v", err)
	}
	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("服务器关闭失败: %v", err)
	}
	logger.Info("服务器已关闭")
}

func setupRouter(cfg *config.Config, chatHandler *handler.ChatHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    cfg.CORS.ExposedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           time.Duration(cfg.CORS.MaxAge) * time.Second,
	}
	router.Use(cors.New(corsConfig))

	router.GET("/health", chatHandler.Health)

	chatHandler.Register(router.Group("/api"))

	return router
}
