// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	AppUserTier     string // ログインアカウントのプラン (FREE_ACCOUNT, PREMIUM)
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ストア設定
	RedisURL string // ジョブ/使用量ストア用Redis接続URL

	// スケジューラー設定
	WorkerAuthToken  string        // ワーカー用の共有シークレットトークン
	LeaseDuration    time.Duration // リースの有効期間
	JobMaxAttempts   int           // ジョブの最大試行回数
	ArtifactTTLHours int           // 成果物の保持時間（時間）
	AdmissionBypass  bool          // 受付チェックをすべてスキップする（ローカル検証専用）

	// ストレージ設定
	BlobDir string // Blobファイルの保存先ディレクトリ
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// アプリケーション設定
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		AppUserTier:     getEnv("APP_USER_TIER", "FREE_ACCOUNT"),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ストア設定
		RedisURL: getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),

		// スケジューラー設定
		WorkerAuthToken:  getEnv("WORKER_AUTH_TOKEN", ""),
		LeaseDuration:    time.Duration(getEnvAsInt64("LEASE_DURATION_MS", 60000)) * time.Millisecond,
		JobMaxAttempts:   getEnvAsInt("JOB_MAX_ATTEMPTS", 3),
		ArtifactTTLHours: getEnvAsInt("ARTIFACT_TTL_HOURS", 24),
		AdmissionBypass:  getEnvAsBool("ADMISSION_BYPASS", false),

		// ストレージ設定
		BlobDir: getEnv("BLOB_DIR", filepath.Join(os.TempDir(), "docmill-blobs")),
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
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("LEASE_DURATION_MS must be positive")
	}
	if c.JobMaxAttempts <= 0 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be positive")
	}

	// ローカル開発では認証設定は任意
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.WorkerAuthToken == "" {
			return fmt.Errorf("WORKER_AUTH_TOKEN is required in release mode")
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in release mode")
		}
		// 受付バイパスは本番環境では有効化できない
		if c.AdmissionBypass {
			return fmt.Errorf("ADMISSION_BYPASS must not be enabled in release mode")
		}
	}

	return nil
}

// WorkerConfig はワーカープロセスの設定を保持する構造体です。
type WorkerConfig struct {
	APIBaseURL        string        // APIサーバーのベースURL
	AuthToken         string        // ワーカー用の共有シークレットトークン
	WorkerID          string        // ワーカーの識別子（リースの所有者名）
	PollInterval      time.Duration // 仕事がないときの待機間隔
	HeartbeatInterval time.Duration // 実行中の心拍送信間隔
	WorkDir           string        // 入出力ファイルの作業ディレクトリ
}

// LoadWorker は環境変数からワーカー設定を読み込みます。
func LoadWorker() (*WorkerConfig, error) {
	loadEnvFile()

	config := &WorkerConfig{
		APIBaseURL:        getEnv("API_BASE_URL", "http://localhost:8080"),
		AuthToken:         getEnv("WORKER_AUTH_TOKEN", ""),
		WorkerID:          getEnv("WORKER_ID", ""),
		PollInterval:      time.Duration(getEnvAsInt64("WORKER_POLL_INTERVAL_MS", 2000)) * time.Millisecond,
		HeartbeatInterval: time.Duration(getEnvAsInt64("WORKER_HEARTBEAT_INTERVAL_MS", 15000)) * time.Millisecond,
		WorkDir:           getEnv("WORKER_WORK_DIR", filepath.Join(os.TempDir(), "docmill-worker")),
	}

	if config.AuthToken == "" {
		return nil, fmt.Errorf("WORKER_AUTH_TOKEN is required")
	}
	if config.PollInterval <= 0 || config.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("worker intervals must be positive")
	}

	return config, nil
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

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
