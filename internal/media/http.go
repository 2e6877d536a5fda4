package media

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// UploadService はアップロードからジョブ作成までを提供します。
type UploadService interface {
	CreateJob(ctx context.Context, file *multipart.FileHeader, upload bool) (*JobManifest, error)
	DiscardJob(jobID string) error
}

// JobScheduler はジョブを非同期キューに投入するためのインターフェースです。
type JobScheduler interface {
	Schedule(ctx context.Context, kind Kind, jobID string, upload bool) error
}

// HandlerOptions はアップロードハンドラーの設定です。
type HandlerOptions struct {
	Scheduler     JobScheduler
	UploadEnabled bool
}

// UploadHandler は POST /api/media/upload のハンドラーを返します。
// ファイルを受理するとジョブIDを即座に返し、圧縮はワーカーで実行されます。
func UploadHandler(svc UploadService, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "multipart/form-data でメディアファイルを送信してください。",
			})
			return
		}
		defer form.RemoveAll()

		file, err := extractSingleFile(form)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": err.Error(),
			})
			return
		}

		upload := parseBoolField(c.PostForm("upload"))
		if upload && !opts.UploadEnabled {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "オブジェクトストレージへのアップロードは現在利用できません。",
			})
			return
		}

		manifest, err := svc.CreateJob(c.Request.Context(), file, upload)
		if err != nil {
			respondWithError(c, err)
			return
		}

		if opts.Scheduler == nil {
			_ = svc.DiscardJob(manifest.JobID)
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブキューが利用できません。",
			})
			return
		}

		if err := opts.Scheduler.Schedule(c.Request.Context(), manifest.Kind, manifest.JobID, manifest.Upload); err != nil {
			if cleanupErr := svc.DiscardJob(manifest.JobID); cleanupErr != nil {
				err = fmt.Errorf("%w (cleanup failed: %v)", err, cleanupErr)
			}
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"jobId": manifest.JobID})
	}
}

func parseBoolField(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusBadRequest
		switch apiErr.Code {
		case "LIMIT_EXCEEDED":
			status = http.StatusRequestEntityTooLarge
		case "INTERNAL_ERROR":
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func extractSingleFile(form *multipart.Form) (*multipart.FileHeader, error) {
	if form == nil {
		return nil, errors.New("メディアファイルを選択してください。")
	}
	if file := form.File["file"]; len(file) > 0 {
		return file[0], nil
	}
	if file := form.File["file[]"]; len(file) > 0 {
		return file[0], nil
	}
	if files := form.File["files"]; len(files) > 0 {
		return files[0], nil
	}
	return nil, errors.New("メディアファイルを選択してください。")
}
