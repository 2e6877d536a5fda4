// Package media は画像・動画の圧縮処理を提供します。
// 入力ファイルはジョブ毎のワークスペースに保存され、
// 圧縮成果は保持期限が切れるまでダウンロード可能です。
package media

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"os"
	"path/filepath"
	"time"

	"github.com/yourusername/media-forge/internal/config"
)

// Service はメディア圧縮ジョブのワークスペースと実行を管理します。
type Service struct {
	cfg *config.Config
	now func() time.Time
}

// NewService は設定を受け取り Service を生成します。
func NewService(cfg *config.Config) *Service {
	return &Service{
		cfg: cfg,
		now: time.Now,
	}
}

type storedFile struct {
	path         string
	originalName string
	size         int64
	mimeType     string
}

// CreateJob はアップロードされたファイルからジョブを作成します。
// 種別判定まで行い、ワーカーが参照するマニフェストを書き出します。
func (s *Service) CreateJob(ctx context.Context, fh *multipart.FileHeader, upload bool) (*JobManifest, error) {
	if fh == nil {
		return nil, newError("INVALID_INPUT", "ファイルが指定されていません", nil)
	}
	ws, err := createWorkspace(s.cfg.WorkDir)
	if err != nil {
		return nil, newError("INTERNAL_ERROR", "作業領域の作成に失敗しました", err)
	}

	stored, err := s.storeMultipartFile(ws, fh)
	if err != nil {
		removeDir(ws.dir)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		removeDir(ws.dir)
		return nil, err
	}

	kind, mime, err := detectKind(stored.path)
	if err != nil {
		removeDir(ws.dir)
		return nil, err
	}

	manifest := &JobManifest{
		JobID: ws.jobID,
		Kind:  kind,
		File: JobFile{
			StoredName:   filepath.Base(stored.path),
			OriginalName: stored.originalName,
			Size:         stored.size,
			MimeType:     mime.String(),
		},
		Upload:    upload,
		CreatedAt: s.now().UTC(),
	}
	if err := writeManifest(ws.dir, manifest); err != nil {
		removeDir(ws.dir)
		return nil, newError("INTERNAL_ERROR", "ジョブ情報の保存に失敗しました", err)
	}
	return manifest, nil
}

func (s *Service) storeMultipartFile(ws workspace, fh *multipart.FileHeader) (*storedFile, error) {
	if s.cfg.MaxFileSize > 0 && fh.Size > s.cfg.MaxFileSize {
		return nil, newError("LIMIT_EXCEEDED",
			fmt.Sprintf("ファイルサイズが上限(%dバイト)を超えています", s.cfg.MaxFileSize), nil)
	}
	src, err := fh.Open()
	if err != nil {
		return nil, newError("INVALID_INPUT", "ファイルを開けませんでした", err)
	}
	defer src.Close()

	path := filepath.Join(ws.inDir, "source")
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, newError("INTERNAL_ERROR", "ファイルの保存に失敗しました", err)
	}
	defer dst.Close()

	written, err := io.Copy(dst, src)
	if err != nil {
		return nil, newError("INTERNAL_ERROR", "ファイルの保存に失敗しました", err)
	}
	return &storedFile{
		path:         path,
		originalName: fh.Filename,
		size:         written,
		mimeType:     fh.Header.Get("Content-Type"),
	}, nil
}

// RunJob はワーカーから呼ばれ、ジョブのマニフェストに従い圧縮を実行します。
// 失敗時はワークスペースを破棄し、成功時は入力のみ削除して
// 成果物を保持期限まで残します。
func (s *Service) RunJob(ctx context.Context, jobID string, reporter ProgressReporter) (*Result, error) {
	ws := workspaceFor(s.cfg.WorkDir, jobID)
	manifest, err := loadManifest(ws.dir)
	if err != nil {
		return nil, newError("INTERNAL_ERROR", "ジョブ情報の読み込みに失敗しました", err)
	}

	reportProgress(reporter, "load", 10)

	var result *Result
	switch manifest.Kind {
	case KindImage:
		result, err = s.executeImage(ctx, ws, manifest, reporter)
	case KindVideo:
		result, err = s.executeVideo(ctx, ws, manifest, reporter)
	default:
		err = newError("INPUT_INVALID", "不明なメディア種別です: "+string(manifest.Kind), nil)
	}
	if err != nil {
		removeDir(ws.dir)
		return nil, err
	}

	removeDir(ws.inDir)
	retention := time.Duration(s.cfg.JobExpireMinutes) * time.Minute
	if retention > 0 {
		time.AfterFunc(retention, func() {
			removeDir(ws.dir)
		})
	}
	return result, nil
}

// DiscardJob はキュー投入に失敗したジョブのワークスペースを破棄します。
func (s *Service) DiscardJob(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("job id is empty")
	}
	ws := workspaceFor(s.cfg.WorkDir, jobID)
	removeDir(ws.dir)
	return nil
}

// OpenResultFile は完了ジョブの成果物を開きます。
// 成果物が存在しない場合は fs.ErrNotExist を返します。
func (s *Service) OpenResultFile(jobID string) (*Result, *os.File, error) {
	ws := workspaceFor(s.cfg.WorkDir, jobID)
	entries, err := os.ReadDir(ws.outDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fs.ErrNotExist
		}
		return nil, nil, fmt.Errorf("failed to read output dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(ws.outDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to stat output file: %w", err)
		}
		file, err := os.Open(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open output file: %w", err)
		}
		result := &Result{
			JobID:          jobID,
			OutputPath:     path,
			OutputFilename: entry.Name(),
			OutputSize:     info.Size(),
			Format:         formatFromFilename(entry.Name()),
		}
		return result, file, nil
	}
	return nil, nil, fs.ErrNotExist
}

func formatFromFilename(name string) string {
	switch filepath.Ext(name) {
	case ".jpg", ".jpeg":
		return "jpeg"
	case ".webp":
		return "webp"
	case ".mp4":
		return "mp4"
	default:
		return ""
	}
}
