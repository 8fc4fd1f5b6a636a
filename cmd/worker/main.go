// Package main はジョブを処理するワーカープロセスのエントリーポイントです。
//
// APIサーバーをポーリングしてジョブを獲得し、心拍で進捗を報告しながら
// PDF処理を実行して結果を返します。リース期限が切れると別のワーカーが
// 同じジョブを引き取るため、長い処理中も心拍を送り続けます。
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/docmill/internal/config"
)

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Fatalf("Failed to load worker config: %v", err)
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.New().String()[:8]
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		log.Fatalf("Failed to create work directory: %v", err)
	}

	logger := log.Default()
	client := newAPIClient(cfg.APIBaseURL, cfg.AuthToken)
	executor := newExecutor(client, cfg.WorkDir, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Printf("Starting worker %s (api: %s)", cfg.WorkerID, cfg.APIBaseURL)
	runLoop(ctx, cfg, client, executor, logger)
	logger.Printf("Worker %s stopped", cfg.WorkerID)
}

func runLoop(ctx context.Context, cfg *config.WorkerConfig, client *apiClient, executor *executor, logger *log.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := client.Claim(ctx, cfg.WorkerID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Printf("claim failed: %v", err)
			sleep(ctx, cfg.PollInterval)
			continue
		}
		if job == nil {
			sleep(ctx, cfg.PollInterval)
			continue
		}

		logger.Printf("claimed job %s (tool: %s, attempt %d/%d)", job.ID, job.Tool, job.Attempts, job.MaxAttempts)
		executor.Run(ctx, cfg.WorkerID, job, cfg.HeartbeatInterval)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
