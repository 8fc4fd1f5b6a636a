package jobs

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/docmill/internal/identity"
	"github.com/yourusername/docmill/internal/quota"
	"github.com/yourusername/docmill/internal/workflow"
)

// createJobRequest はジョブ作成のリクエストボディです。
// 単一ツールは tool/config で、チェーンは steps で指定します。
type createJobRequest struct {
	Tool   string          `json:"tool"`
	Config map[string]any  `json:"config"`
	Steps  []workflow.Step `json:"steps"`
	Inputs []FileRef       `json:"inputs"`
}

// CreateJobHandler は POST /api/jobs のハンドラーを返します。
func CreateJobHandler(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := identity.FromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "セッションが確立されていません。",
			})
			return
		}

		var req createJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "リクエストボディをJSONで送信してください。",
			})
			return
		}

		steps := req.Steps
		if len(steps) == 0 && strings.TrimSpace(req.Tool) != "" {
			steps = []workflow.Step{{Tool: req.Tool, Config: req.Config}}
		}
		if len(steps) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "tool または steps を指定してください。",
			})
			return
		}
		if len(req.Inputs) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "inputs に1件以上のファイル参照を指定してください。",
			})
			return
		}
		for _, in := range req.Inputs {
			if strings.TrimSpace(in.BlobRef) == "" {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    "INVALID_INPUT",
					"message": "inputs の各要素に blobRef が必要です。",
				})
				return
			}
		}

		job, err := service.Create(c.Request.Context(), owner, steps, req.Inputs)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID})
	}
}

// GetJobHandler は GET /api/jobs/:id のハンドラーを返します。
func GetJobHandler(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := identity.FromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "セッションが確立されていません。",
			})
			return
		}

		job, err := loadOwnedJob(c, service, owner)
		if err != nil {
			return
		}
		c.JSON(http.StatusOK, jobPayload(job))
	}
}

// ListJobsHandler は GET /api/jobs のハンドラーを返します。
func ListJobsHandler(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := identity.FromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "セッションが確立されていません。",
			})
			return
		}

		limit := 20
		if raw := c.Query("limit"); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 100 {
				limit = v
			}
		}

		list, err := service.List(c.Request.Context(), owner, limit)
		if err != nil {
			respondWithError(c, err)
			return
		}
		payload := make([]gin.H, 0, len(list))
		for _, job := range list {
			payload = append(payload, jobPayload(job))
		}
		c.JSON(http.StatusOK, gin.H{"jobs": payload})
	}
}

// CancelJobHandler は POST /api/jobs/:id/cancel のハンドラーを返します。
func CancelJobHandler(service *Service, scheduler *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := identity.FromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "セッションが確立されていません。",
			})
			return
		}

		job, err := loadOwnedJob(c, service, owner)
		if err != nil {
			return
		}

		updated, err := scheduler.Cancel(c.Request.Context(), job.ID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, jobPayload(updated))
	}
}

// CapacityHandler は GET /api/capacity のハンドラーを返します。
func CapacityHandler(gate *quota.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		snapshot, err := gate.Capacity(c.Request.Context())
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, snapshot)
	}
}

// UsageHandler は GET /api/usage のハンドラーを返します。
func UsageHandler(gate *quota.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := identity.FromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "セッションが確立されていません。",
			})
			return
		}

		snapshot, err := gate.UsageFor(c.Request.Context(), owner)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"tier":       snapshot.Tier,
			"limits":     snapshot.Limits,
			"usageToday": snapshot.UsageToday,
			"status":     snapshot.Status,
			"tools":      workflow.Catalog(),
		})
	}
}

// loadOwnedJob はパスの :id を検証し、呼び出し元が所有するジョブを返します。
// エラー時はレスポンスを書き込み済みです。
func loadOwnedJob(c *gin.Context, service *Service, owner identity.Identity) (*Job, error) {
	jobID := c.Param("id")
	if strings.TrimSpace(jobID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "jobId を指定してください。",
		})
		return nil, errors.New("missing jobId")
	}

	job, err := service.Get(c.Request.Context(), jobID)
	if err != nil {
		respondWithError(c, err)
		return nil, err
	}
	// 他人のジョブは存在自体を開示しない
	if job == nil || job.Owner.Key() != owner.Key() {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "指定されたジョブは存在しません。",
		})
		return nil, errors.New("job not found")
	}
	return job, nil
}

// jobPayload はユーザー向けレスポンス形式を組み立てます。
// リース情報やワーカーIDなどの内部事情は出しません。
func jobPayload(job *Job) gin.H {
	payload := gin.H{
		"jobId":      job.ID,
		"tool":       job.Tool,
		"status":     job.Status,
		"progress":   job.Progress,
		"inputKind":  job.InputKind,
		"outputKind": job.OutputKind,
		"createdAt":  job.CreatedAt,
		"updatedAt":  job.UpdatedAt,
	}
	if job.Stage != "" {
		payload["stage"] = job.Stage
	}
	if job.FinishedAt != nil {
		payload["finishedAt"] = job.FinishedAt
	}
	if len(job.Outputs) > 0 {
		payload["outputs"] = job.Outputs
	}
	if job.Error != nil {
		payload["error"] = job.Error
	}
	return payload
}

// respondWithError はドメインエラーをHTTPレスポンスへ変換します。
func respondWithError(c *gin.Context, err error) {
	var cerr *workflow.ChainError
	if errors.As(err, &cerr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_WORKFLOW",
			"message": "ワークフローの検証に失敗しました。",
			"detail":  cerr,
		})
		return
	}

	var admErr *quota.AdmissionError
	if errors.As(err, &admErr) {
		status := http.StatusTooManyRequests
		switch admErr.Code {
		case quota.CodePremiumRequired:
			status = http.StatusForbidden
		case quota.CodeMonthlyBudget, quota.CodeCapacityTemp:
			status = http.StatusServiceUnavailable
		}
		payload := gin.H{
			"code":    admErr.Code,
			"message": admErr.Message,
		}
		if admErr.Hint != "" {
			payload["hint"] = admErr.Hint
		}
		if len(admErr.Detail) > 0 {
			payload["detail"] = admErr.Detail
		}
		c.JSON(status, payload)
		return
	}

	var terr *InvalidTransitionError
	if errors.As(err, &terr) {
		// 真の競合時のみ起こりうる。ユーザーには汎用の衝突として返す。
		c.JSON(http.StatusConflict, gin.H{
			"code":    "JOB_STATE_CONFLICT",
			"message": "ジョブの状態が変更できませんでした。",
		})
		return
	}

	if errors.Is(err, ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "指定されたジョブは存在しません。",
		})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    "INTERNAL_ERROR",
		"message": "サーバー内部でエラーが発生しました。",
	})
}
