package storage

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/docmill/internal/workflow"
)

// kindByContentType は受け付ける内容種別とワークフロー上のファイル種別の対応です。
var kindByContentType = map[string]workflow.AssetKind{
	"application/pdf": workflow.KindPDF,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": workflow.KindDocx,
	"image/png":  workflow.KindImage,
	"image/jpeg": workflow.KindImage,
	"image/webp": workflow.KindImage,
	"image/tiff": workflow.KindImage,
}

// Handler はBlobのアップロード/ダウンロードのHTTPハンドラーです。
type Handler struct {
	blobs *Local
}

// NewHandler は Handler を作成します。
func NewHandler(blobs *Local) *Handler {
	return &Handler{blobs: blobs}
}

type uploadedFile struct {
	BlobRef     string             `json:"blobRef"`
	Filename    string             `json:"filename"`
	SizeBytes   int64              `json:"sizeBytes"`
	ContentType string             `json:"contentType"`
	Kind        workflow.AssetKind `json:"kind"`
}

// Upload は POST /api/files を処理します。
//
// multipart/form-data で受け取ったファイルを保存し、ジョブ作成時に使う
// blobRef の一覧を返します。内容種別はファイルの中身から判定し、
// 対応していない種別は拒否します。
func (h *Handler) Upload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "multipart/form-data でファイルを送信してください。",
		})
		return
	}
	defer form.RemoveAll()

	files := form.File["files[]"]
	if len(files) == 0 {
		files = form.File["files"]
	}
	if len(files) == 0 {
		if single := form.File["file"]; len(single) > 0 {
			files = single
		}
	}
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "アップロードされたファイルが見つかりません。",
		})
		return
	}

	saved := make([]uploadedFile, 0, len(files))
	for _, fh := range files {
		src, err := fh.Open()
		if err != nil {
			h.discardAll(saved)
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "ファイルの読み込みに失敗しました。",
			})
			return
		}
		info, err := h.blobs.Save(src, fh.Filename)
		src.Close()
		if err != nil {
			h.discardAll(saved)
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ファイルの保存に失敗しました。",
			})
			return
		}

		kind, ok := kindByContentType[info.ContentType]
		if !ok {
			h.blobs.Delete(info.Ref)
			h.discardAll(saved)
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "UNSUPPORTED_FILE_TYPE",
				"message": fmt.Sprintf("%s は対応していないファイル形式です（%s）。", fh.Filename, info.ContentType),
			})
			return
		}

		saved = append(saved, uploadedFile{
			BlobRef:     info.Ref,
			Filename:    info.Filename,
			SizeBytes:   info.SizeBytes,
			ContentType: info.ContentType,
			Kind:        kind,
		})
	}

	c.JSON(http.StatusCreated, gin.H{"files": saved})
}

// Download は GET /api/files/:ref を処理します。
func (h *Handler) Download(c *gin.Context) {
	ref := strings.TrimSpace(c.Param("ref"))

	f, info, err := h.blobs.Open(ref)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "FILE_NOT_FOUND",
				"message": "ファイルが見つかりません。",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "ファイルの読み込みに失敗しました。",
		})
		return
	}
	defer f.Close()

	encodedName := url.PathEscape(info.Filename)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", info.Filename, encodedName))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, info.SizeBytes, info.ContentType, f, nil)
}

// discardAll は一括アップロードの途中失敗時に保存済み分を片付けます。
func (h *Handler) discardAll(saved []uploadedFile) {
	for _, s := range saved {
		h.blobs.Delete(s.BlobRef)
	}
}
