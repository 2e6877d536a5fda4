// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// 認証設定
	APISecretHash string // 共有シークレットのbcryptハッシュ（X-Api-Key検証用）

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ファイル制限
	MaxFileSize      int64 // 単一ファイルの最大サイズ（バイト）
	JobExpireMinutes int   // ジョブ記録・成果物の保持期間（分）

	// ジョブ/キュー設定
	QueueRedisURL     string // Asynq・ジョブストア用Redis接続URL
	WorkerConcurrency int    // 圧縮ワーカーの並列数

	// メディア処理設定
	FFmpegPath string // ffmpeg実行ファイルのパス（動画圧縮用）
	WorkDir    string // ジョブワークスペースのルートディレクトリ

	// オブジェクトストレージ設定（未設定の場合はリモートアップロード無効）
	S3Bucket          string // バケット名
	S3Region          string // リージョン（R2の場合は "auto"）
	S3Endpoint        string // カスタムエンドポイント（R2等のS3互換ストレージ用）
	S3AccessKeyID     string // アクセスキーID
	S3SecretAccessKey string // シークレットアクセスキー
	S3PublicBaseURL   string // 公開URL生成用のベースURL（任意）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// 認証設定
		APISecretHash: getEnv("API_SECRET_HASH", ""),

		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ファイル制限
		MaxFileSize:      getEnvAsInt64("MAX_FILE_SIZE", 104857600), // 100MB
		JobExpireMinutes: getEnvAsInt("JOB_EXPIRE_MINUTES", 60),

		// ジョブ/キュー設定
		QueueRedisURL:     getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),

		// メディア処理設定
		FFmpegPath: getEnv("FFMPEG_PATH", "ffmpeg"),
		WorkDir:    getEnv("WORK_DIR", filepath.Join(os.TempDir(), "media-forge")),

		// オブジェクトストレージ設定
		S3Bucket:          getEnv("S3_BUCKET", ""),
		S3Region:          getEnv("S3_REGION", "auto"),
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3PublicBaseURL:   getEnv("S3_PUBLIC_BASE_URL", ""),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	// ローカル開発では認証設定は任意
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.APISecretHash == "" {
			return fmt.Errorf("API_SECRET_HASH is required in release mode")
		}
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
		if c.FFmpegPath == "" {
			return fmt.Errorf("FFMPEG_PATH is required in release mode")
		}
	}

	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}

	// S3設定はバケット名がある場合のみ有効。その際は資格情報も必須
	if c.S3Bucket != "" {
		if c.S3AccessKeyID == "" || c.S3SecretAccessKey == "" {
			return fmt.Errorf("S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY are required when S3_BUCKET is set")
		}
	}

	return nil
}

// UploadEnabled はリモートアップロードが構成済みかを返します。
func (c *Config) UploadEnabled() bool {
	return c.S3Bucket != ""
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
