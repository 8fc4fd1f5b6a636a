package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/yourusername/docmill/internal/jobs"
)

// apiClient はAPIサーバーのワーカー向けエンドポイントを呼び出します。
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(baseURL, token string) *apiClient {
	return &apiClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Claim は次のジョブの獲得を試みます。仕事がない場合は (nil, nil) を返します。
func (c *apiClient) Claim(ctx context.Context, workerID string) (*jobs.Job, error) {
	body := map[string]string{"workerId": workerID}
	resp, err := c.postJSON(ctx, "/api/worker/claim", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var payload struct {
			Job *jobs.Job `json:"job"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, fmt.Errorf("failed to decode claim response: %w", err)
		}
		return payload.Job, nil
	default:
		return nil, c.unexpectedStatus("claim", resp)
	}
}

// Progress は進捗と心拍を送信します。
func (c *apiClient) Progress(ctx context.Context, jobID, workerID string, percent int, stage string) error {
	body := map[string]any{"workerId": workerID, "progress": percent, "stage": stage}
	resp, err := c.postJSON(ctx, "/api/worker/jobs/"+jobID+"/progress", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.unexpectedStatus("progress", resp)
	}
	return nil
}

// Complete はジョブの成功を報告します。
func (c *apiClient) Complete(ctx context.Context, jobID, workerID string, outputs []jobs.FileRef, minutesUsed, bytesProcessed int64) error {
	body := map[string]any{
		"workerId":       workerID,
		"outputs":        outputs,
		"minutesUsed":    minutesUsed,
		"bytesProcessed": bytesProcessed,
	}
	resp, err := c.postJSON(ctx, "/api/worker/jobs/"+jobID+"/complete", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.unexpectedStatus("complete", resp)
	}
	return nil
}

// Fail はジョブの失敗を報告します。
func (c *apiClient) Fail(ctx context.Context, jobID, workerID, errorCode, errorMessage string) error {
	body := map[string]any{
		"workerId":     workerID,
		"errorCode":    errorCode,
		"errorMessage": errorMessage,
	}
	resp, err := c.postJSON(ctx, "/api/worker/jobs/"+jobID+"/fail", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.unexpectedStatus("fail", resp)
	}
	return nil
}

// DownloadFile はBlobを指定パスへ保存します。
func (c *apiClient) DownloadFile(ctx context.Context, blobRef, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/worker/files/"+blobRef, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.unexpectedStatus("download", resp)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, resp.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return err
}

// UploadFiles はローカルファイル群をアップロードし、blobRef付きの参照を返します。
func (c *apiClient) UploadFiles(ctx context.Context, paths []string) ([]jobs.FileRef, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for _, path := range paths {
		part, err := writer.CreateFormFile("files[]", filepath.Base(path))
		if err != nil {
			return nil, err
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		_, err = io.Copy(part, f)
		f.Close()
		if err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/worker/files", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, c.unexpectedStatus("upload", resp)
	}

	var payload struct {
		Files []struct {
			BlobRef   string `json:"blobRef"`
			Filename  string `json:"filename"`
			SizeBytes int64  `json:"sizeBytes"`
		} `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}

	refs := make([]jobs.FileRef, len(payload.Files))
	for i, f := range payload.Files {
		refs[i] = jobs.FileRef{BlobRef: f.BlobRef, Filename: f.Filename, SizeBytes: f.SizeBytes}
	}
	return refs, nil
}

func (c *apiClient) postJSON(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

func (c *apiClient) unexpectedStatus(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s returned status %d: %s", op, resp.StatusCode, string(data))
}
