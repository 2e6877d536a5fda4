package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

const compressedVideoFilename = "compressed.mp4"

func (s *Service) executeVideo(ctx context.Context, ws workspace, manifest *JobManifest, reporter ProgressReporter) (*Result, error) {
	reportProgress(reporter, "compress", 30)

	inPath := filepath.Join(ws.inDir, manifest.File.StoredName)
	// ffmpeg が書き込み中のファイルをダウンロードさせないよう、
	// ジョブディレクトリ直下に書いてから out へ移動する
	stagePath := filepath.Join(ws.dir, compressedVideoFilename)
	if err := s.runFFmpeg(ctx, inPath, stagePath); err != nil {
		return nil, err
	}
	outPath := filepath.Join(ws.outDir, compressedVideoFilename)
	if err := os.Rename(stagePath, outPath); err != nil {
		return nil, newError("INTERNAL_ERROR", "出力ファイルの配置に失敗しました", err)
	}

	reportProgress(reporter, "write", 70)

	info, err := os.Stat(outPath)
	if err != nil {
		return nil, newError("INTERNAL_ERROR", "出力ファイルを確認できませんでした", err)
	}

	meta := CompressMeta{
		OriginalSize: manifest.File.Size,
		OutputSize:   info.Size(),
		SavedBytes:   manifest.File.Size - info.Size(),
		SavedPercent: computeSavedPercent(manifest.File.Size, info.Size()),
		Source: SourceFileMeta{
			Name:     manifest.File.OriginalName,
			Size:     manifest.File.Size,
			MimeType: manifest.File.MimeType,
		},
	}
	return &Result{
		JobID:          ws.jobID,
		Kind:           KindVideo,
		OutputPath:     outPath,
		OutputFilename: compressedVideoFilename,
		OutputSize:     info.Size(),
		Format:         "mp4",
		Meta:           meta,
	}, nil
}

func (s *Service) runFFmpeg(ctx context.Context, inPath, outPath string) error {
	cmd := exec.CommandContext(ctx, s.cfg.FFmpegPath, ffmpegArgs(inPath, outPath)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		detail := stderr.String()
		if len(detail) > 512 {
			detail = detail[len(detail)-512:]
		}
		return newError("CODEC_FAILURE",
			fmt.Sprintf("ffmpegによる圧縮に失敗しました: %v", err),
			fmt.Errorf("ffmpeg stderr: %s", detail))
	}
	return nil
}

func ffmpegArgs(inPath, outPath string) []string {
	return []string{
		"-i", inPath,
		"-vcodec", "libx264",
		"-crf", "28",
		"-preset", "medium",
		"-y", outPath,
	}
}
