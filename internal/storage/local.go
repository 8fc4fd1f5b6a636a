// Package storage はBlob（ジョブの入出力ファイル）の保存を提供します。
//
// Blobは不透明な参照（blobRef）で識別され、ジョブレコードはこの参照だけを
// 持ちます。現在はローカルファイルシステム実装のみです。
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// ErrBlobNotFound は参照先のBlobが存在しないことを示します。
var ErrBlobNotFound = errors.New("blob not found")

// blobRefPattern は有効な blobRef の形式です（UUID）。
// パストラバーサルを防ぐため、これ以外の参照は拒否します。
var blobRefPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// BlobInfo は保存されたBlobのメタデータです。
type BlobInfo struct {
	Ref         string    `json:"ref"`
	Filename    string    `json:"filename"`
	SizeBytes   int64     `json:"sizeBytes"`
	ContentType string    `json:"contentType"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

// Local はローカルファイルシステム上のBlobストアです。
// Blob本体は <dir>/<ref>、メタデータは <dir>/<ref>.json に保存します。
type Local struct {
	dir string
	now func() time.Time
}

// NewLocal は保存先ディレクトリを作成して Local を返します。
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &Local{dir: dir, now: time.Now}, nil
}

// Save はリーダーの内容を新しいBlobとして保存し、メタデータを返します。
// 内容種別はファイル名ではなく中身から判定します。
func (l *Local) Save(r io.Reader, filename string) (BlobInfo, error) {
	ref := uuid.New().String()
	path := filepath.Join(l.dir, ref)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return BlobInfo{}, fmt.Errorf("failed to create blob file: %w", err)
	}
	size, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return BlobInfo{}, fmt.Errorf("failed to write blob: %w", err)
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		os.Remove(path)
		return BlobInfo{}, fmt.Errorf("failed to detect content type: %w", err)
	}

	info := BlobInfo{
		Ref:         ref,
		Filename:    filename,
		SizeBytes:   size,
		ContentType: mtype.String(),
		UploadedAt:  l.now().UTC(),
	}
	if err := l.writeInfo(info); err != nil {
		os.Remove(path)
		return BlobInfo{}, err
	}
	return info, nil
}

// Open はBlob本体とメタデータを返します。クローズは呼び出し側の責務です。
func (l *Local) Open(ref string) (io.ReadSeekCloser, BlobInfo, error) {
	info, err := l.Stat(ref)
	if err != nil {
		return nil, BlobInfo{}, err
	}
	f, err := os.Open(filepath.Join(l.dir, ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, BlobInfo{}, ErrBlobNotFound
		}
		return nil, BlobInfo{}, err
	}
	return f, info, nil
}

// Stat はBlobのメタデータを返します。
func (l *Local) Stat(ref string) (BlobInfo, error) {
	if !blobRefPattern.MatchString(ref) {
		return BlobInfo{}, ErrBlobNotFound
	}
	data, err := os.ReadFile(filepath.Join(l.dir, ref+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return BlobInfo{}, ErrBlobNotFound
		}
		return BlobInfo{}, err
	}
	var info BlobInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return BlobInfo{}, fmt.Errorf("corrupt blob metadata %s: %w", ref, err)
	}
	return info, nil
}

// Delete はBlob本体とメタデータを削除します。存在しない場合もエラーにしません。
func (l *Local) Delete(ref string) error {
	if !blobRefPattern.MatchString(ref) {
		return nil
	}
	if err := os.Remove(filepath.Join(l.dir, ref)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(filepath.Join(l.dir, ref+".json")); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (l *Local) writeInfo(info BlobInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(l.dir, info.Ref+".json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write blob metadata: %w", err)
	}
	return nil
}
