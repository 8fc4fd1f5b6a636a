package main

import (
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/docmill/internal/config"
	"github.com/yourusername/docmill/internal/identity"
	"github.com/yourusername/docmill/internal/jobs"
	"github.com/yourusername/docmill/internal/metrics"
	"github.com/yourusername/docmill/internal/quota"
	"github.com/yourusername/docmill/internal/storage"
)

// app はAPIサーバーを構成するコンポーネント一式です。
type app struct {
	service   *jobs.Service
	scheduler *jobs.Scheduler
	gate      *quota.Gate
	sweeper   *jobs.Sweeper
	blobs     *storage.Handler
}

// setupApp はRedisに接続し、ジョブ基盤の各コンポーネントを組み立てます。
func setupApp(cfg *config.Config) (*app, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)

	logger := log.Default()
	m := metrics.New()

	store := jobs.NewStore(rdb, time.Now)
	artifacts := jobs.NewArtifactStore(rdb)
	ledger := quota.NewLedger(rdb, time.Now)
	resolver := quota.NewResolver(rdb)
	budget := quota.NewBudgetStore(rdb, time.Now)
	gate := quota.NewGate(resolver, ledger, budget, store, cfg.AdmissionBypass)

	service := jobs.NewService(store, gate, ledger, m, logger, cfg.JobMaxAttempts, time.Now)
	scheduler := jobs.NewScheduler(store, artifacts, ledger, m, logger, jobs.SchedulerOptions{
		LeaseDuration: cfg.LeaseDuration,
		ArtifactTTL:   time.Duration(cfg.ArtifactTTLHours) * time.Hour,
	})

	blobStore, err := storage.NewLocal(cfg.BlobDir)
	if err != nil {
		return nil, err
	}
	sweeper := jobs.NewSweeper(artifacts, blobStore, logger, 10*time.Minute, time.Now)

	return &app{
		service:   service,
		scheduler: scheduler,
		gate:      gate,
		sweeper:   sweeper,
		blobs:     storage.NewHandler(blobStore),
	}, nil
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, app *app) {
	// まずは誰でも叩けるヘルスチェックと計測エンドポイントを登録
	router.GET("/health", handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	identityManager := identity.NewManager(cfg)

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", identityManager.Login)
			authRoutes.POST("/logout",
				identityManager.Resolve(),
				identityManager.VerifyCSRF(),
				identityManager.Logout,
			)
		}

		// 利用者向けAPI。未ログインでも匿名IDを払い出して通す
		protected := api.Group("")
		protected.Use(identityManager.Resolve(), identityManager.VerifyCSRF())
		{
			protected.POST("/files", app.blobs.Upload)
			protected.GET("/files/:ref", app.blobs.Download)

			protected.POST("/jobs", jobs.CreateJobHandler(app.service))
			protected.GET("/jobs", jobs.ListJobsHandler(app.service))
			protected.GET("/jobs/:id", jobs.GetJobHandler(app.service))
			protected.POST("/jobs/:id/cancel", jobs.CancelJobHandler(app.service, app.scheduler))

			protected.GET("/capacity", jobs.CapacityHandler(app.gate))
			protected.GET("/usage", jobs.UsageHandler(app.gate))
		}

		// ワーカー向けAPI。共有シークレットで認証する
		worker := api.Group("/worker")
		worker.Use(jobs.WorkerAuth(cfg.WorkerAuthToken))
		{
			worker.POST("/claim", jobs.ClaimHandler(app.scheduler))
			worker.POST("/jobs/:id/progress", jobs.ProgressHandler(app.scheduler))
			worker.POST("/jobs/:id/complete", jobs.CompleteHandler(app.scheduler))
			worker.POST("/jobs/:id/fail", jobs.FailHandler(app.scheduler))
			worker.POST("/jobs/:id/requeue", jobs.RequeueHandler(app.scheduler))

			// ワーカーはセッションを持たないため、Blobの入出力も共有シークレット側に置く
			worker.POST("/files", app.blobs.Upload)
			worker.GET("/files/:ref", app.blobs.Download)
		}
	}
}
