package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/yourusername/docmill/internal/jobs"
)

// executor は獲得済みジョブの実行と結果報告を担当します。
type executor struct {
	client  *apiClient
	workDir string
	logger  *log.Logger
}

func newExecutor(client *apiClient, workDir string, logger *log.Logger) *executor {
	return &executor{client: client, workDir: workDir, logger: logger}
}

// Run はジョブを実行し、成功/失敗をAPIサーバーへ報告します。
//
// 実行中は心拍を送り続けてリースを延長します。報告がサーバー側で
// 黙殺された場合（リースを失った場合）も処理自体は続行しますが、
// 最終報告が無視されるだけで副作用はありません。
func (e *executor) Run(ctx context.Context, workerID string, job *jobs.Job, heartbeatInterval time.Duration) {
	start := time.Now()
	dir := filepath.Join(e.workDir, job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.fail(ctx, job.ID, workerID, "PROCESSING_FAILED", "作業ディレクトリの作成に失敗しました")
		return
	}
	defer os.RemoveAll(dir)

	var progress atomic.Int32
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go e.heartbeatLoop(hbCtx, job.ID, workerID, &progress, heartbeatInterval)

	outputs, bytesProcessed, err := e.execute(ctx, workerID, job, dir, &progress)
	stopHeartbeat()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// シャットダウン中。リース期限切れで別のワーカーが引き取る
			e.logger.Printf("job %s interrupted, leaving for reclaim", job.ID)
			return
		}
		code, message := "PROCESSING_FAILED", "処理に失敗しました"
		var terr *toolError
		if errors.As(err, &terr) {
			code, message = terr.Code, terr.Message
		}
		e.logger.Printf("job %s failed: %v", job.ID, err)
		e.fail(context.WithoutCancel(ctx), job.ID, workerID, code, message)
		return
	}

	minutes := int64(math.Ceil(time.Since(start).Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	if err := e.client.Complete(context.WithoutCancel(ctx), job.ID, workerID, outputs, minutes, bytesProcessed); err != nil {
		e.logger.Printf("failed to report completion of job %s: %v", job.ID, err)
		return
	}
	e.logger.Printf("job %s completed (%d outputs, %d bytes)", job.ID, len(outputs), bytesProcessed)
}

func (e *executor) execute(ctx context.Context, workerID string, job *jobs.Job, dir string, progress *atomic.Int32) ([]jobs.FileRef, int64, error) {
	// 入力のダウンロード
	inDir := filepath.Join(dir, "in")
	if err := os.MkdirAll(inDir, 0o755); err != nil {
		return nil, 0, err
	}
	paths := make([]string, len(job.Inputs))
	var bytesProcessed int64
	for i, ref := range job.Inputs {
		path := filepath.Join(inDir, fmt.Sprintf("input-%02d%s", i+1, filepath.Ext(ref.Filename)))
		if err := e.client.DownloadFile(ctx, ref.BlobRef, path); err != nil {
			return nil, 0, fmt.Errorf("failed to download input %s: %w", ref.BlobRef, err)
		}
		paths[i] = path
		bytesProcessed += ref.SizeBytes
	}
	progress.Store(10)
	e.reportProgress(ctx, job.ID, workerID, progress, "process")

	// ステップを順に実行。前段の出力が次段の入力になる
	for i, step := range job.Steps {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		stepDir := filepath.Join(dir, fmt.Sprintf("step-%02d", i+1))
		if err := os.MkdirAll(stepDir, 0o755); err != nil {
			return nil, 0, err
		}
		outPaths, err := runStep(step, paths, stepDir)
		if err != nil {
			return nil, 0, err
		}
		paths = outPaths

		progress.Store(int32(10 + 75*(i+1)/len(job.Steps)))
		e.reportProgress(ctx, job.ID, workerID, progress, "process")
	}

	// 成果物のアップロード
	progress.Store(90)
	e.reportProgress(ctx, job.ID, workerID, progress, "upload")
	outputs, err := e.client.UploadFiles(ctx, paths)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to upload outputs: %w", err)
	}
	return outputs, bytesProcessed, nil
}

func (e *executor) heartbeatLoop(ctx context.Context, jobID, workerID string, progress *atomic.Int32, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.client.Progress(ctx, jobID, workerID, int(progress.Load()), "process"); err != nil && ctx.Err() == nil {
				e.logger.Printf("heartbeat for job %s failed: %v", jobID, err)
			}
		}
	}
}

// reportProgress は節目の進捗を即時送信します。失敗しても致命的ではなく、
// 次の心拍が進捗を運びます。
func (e *executor) reportProgress(ctx context.Context, jobID, workerID string, progress *atomic.Int32, stage string) {
	if err := e.client.Progress(ctx, jobID, workerID, int(progress.Load()), stage); err != nil && ctx.Err() == nil {
		e.logger.Printf("progress report for job %s failed: %v", jobID, err)
	}
}

func (e *executor) fail(ctx context.Context, jobID, workerID, code, message string) {
	if err := e.client.Fail(ctx, jobID, workerID, code, message); err != nil {
		e.logger.Printf("failed to report failure of job %s: %v", jobID, err)
	}
}
