// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/media-forge/internal/auth"
	"github.com/yourusername/media-forge/internal/config"
	"github.com/yourusername/media-forge/internal/jobs"
	"github.com/yourusername/media-forge/internal/media"
	"github.com/yourusername/media-forge/internal/storage"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowOrigins = origins
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		auth.APIKeyHeader,
	}
	router.Use(cors.New(corsConfig))

	// メディア圧縮サービス
	mediaService := media.NewService(cfg)

	// オブジェクトストレージは任意構成
	var uploader jobs.Uploader
	if cfg.UploadEnabled() {
		s3Storage, err := storage.New(context.Background(), cfg)
		if err != nil {
			log.Fatalf("Failed to init object storage: %v", err)
		}
		uploader = s3Storage
		log.Printf("Object storage enabled (bucket: %s)", cfg.S3Bucket)
	}

	// ジョブ管理とワーカーの起動
	manager, err := setupJobs(cfg, mediaService, uploader)
	if err != nil {
		log.Fatalf("Failed to setup jobs: %v", err)
	}
	manager.StartWorkers()

	// ルーティングの設定
	setupRoutes(router, cfg, mediaService, manager)

	// サーバーの起動
	addr := ":" + cfg.Port
	log.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, mediaService *media.Service, manager *jobs.Manager) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", healthHandler(cfg, manager))

	authManager := auth.NewManager(cfg)

	api := router.Group("/api")
	{
		mediaRoutes := api.Group("/media", authManager.RequireSecret())
		{
			opts := media.HandlerOptions{
				Scheduler:     &mediaJobScheduler{manager: manager},
				UploadEnabled: cfg.UploadEnabled(),
			}
			mediaRoutes.POST("/upload", media.UploadHandler(mediaService, opts))
			mediaRoutes.GET("/jobs/:id", jobStatusHandler(manager))
			mediaRoutes.GET("/jobs/:id/stream", jobStreamHandler(manager))
			mediaRoutes.GET("/jobs/:id/download", jobDownloadHandler(mediaService))
		}
	}
}

// healthHandler はヘルスチェックエンドポイントのハンドラーを返します。
// 認証なしで叩けるため、キュー統計以外の内部情報は返しません。
func healthHandler(cfg *config.Config, manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload := gin.H{
			"status":      "ok",
			"service":     "media-forge-api",
			"version":     "0.1.0",
			"queueDepth":  0,
			"workerCount": cfg.WorkerConcurrency,
		}

		stats, err := manager.QueueStats()
		if err != nil {
			payload["status"] = "degraded"
			c.JSON(http.StatusOK, payload)
			return
		}
		payload["queueDepth"] = stats.QueueDepth
		payload["workerCount"] = stats.Workers
		c.JSON(http.StatusOK, payload)
	}
}
