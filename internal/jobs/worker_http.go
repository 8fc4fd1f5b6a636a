package jobs

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// WorkerAuth はワーカー向けエンドポイントの共有シークレット検証です。
// トークン不一致はストアへ一切アクセスせずに拒否します。
func WorkerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"code":    "WORKER_AUTH_DISABLED",
				"message": "ワーカー認証トークンが設定されていません。",
			})
			return
		}

		header := c.GetHeader("Authorization")
		received, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(received), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "ワーカー認証に失敗しました。",
			})
			return
		}
		c.Next()
	}
}

type claimRequest struct {
	WorkerID string `json:"workerId" binding:"required"`
}

// ClaimHandler は POST /api/worker/claim のハンドラーを返します。
// 仕事がない場合は 204 を返します。
func ClaimHandler(scheduler *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req claimRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "workerId を JSON で送信してください。",
			})
			return
		}

		job, err := scheduler.ClaimNext(c.Request.Context(), req.WorkerID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		if job == nil {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, gin.H{"job": job})
	}
}

type progressRequest struct {
	WorkerID string `json:"workerId" binding:"required"`
	Progress int    `json:"progress"`
	Stage    string `json:"stage"`
}

// ProgressHandler は POST /api/worker/jobs/:id/progress のハンドラーを返します。
func ProgressHandler(scheduler *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req progressRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "workerId と progress を JSON で送信してください。",
			})
			return
		}

		job, err := scheduler.ReportProgress(c.Request.Context(), c.Param("id"), req.WorkerID, req.Progress, req.Stage)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"job": job})
	}
}

type completeRequest struct {
	WorkerID       string    `json:"workerId" binding:"required"`
	Outputs        []FileRef `json:"outputs"`
	MinutesUsed    int64     `json:"minutesUsed"`
	BytesProcessed int64     `json:"bytesProcessed"`
}

// CompleteHandler は POST /api/worker/jobs/:id/complete のハンドラーを返します。
func CompleteHandler(scheduler *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req completeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "workerId と outputs を JSON で送信してください。",
			})
			return
		}

		job, err := scheduler.Complete(c.Request.Context(), c.Param("id"), req.WorkerID, req.Outputs, req.MinutesUsed, req.BytesProcessed)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"job": job})
	}
}

// RequeueHandler は POST /api/worker/jobs/:id/requeue のハンドラーを返します。
// 実行中のジョブを強制的に実行待ちへ戻す運用操作です。
func RequeueHandler(scheduler *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := scheduler.ForceRequeue(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"job": job})
	}
}

type failRequest struct {
	WorkerID     string `json:"workerId" binding:"required"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// FailHandler は POST /api/worker/jobs/:id/fail のハンドラーを返します。
func FailHandler(scheduler *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req failRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "workerId と errorCode を JSON で送信してください。",
			})
			return
		}

		job, err := scheduler.Fail(c.Request.Context(), c.Param("id"), req.WorkerID, req.ErrorCode, req.ErrorMessage)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"job": job})
	}
}
