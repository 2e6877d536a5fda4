package media

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"
	"path/filepath"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

const (
	jpegQuality = 85
	webpQuality = 85
)

func (s *Service) executeImage(ctx context.Context, ws workspace, manifest *JobManifest, reporter ProgressReporter) (*Result, error) {
	reportProgress(reporter, "compress", 30)

	inPath := filepath.Join(ws.inDir, manifest.File.StoredName)
	img, err := decodeImage(inPath, manifest.File.MimeType)
	if err != nil {
		return nil, newError("INPUT_INVALID", "画像を読み込めませんでした", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		outName string
		format  string
	)
	if manifest.File.MimeType == "image/webp" {
		outName = "compressed.webp"
		format = "webp"
	} else {
		outName = "compressed.jpg"
		format = "jpeg"
	}
	// ダウンロードは out 配下だけを見るため、書き終えてから移動する
	stagePath := filepath.Join(ws.dir, outName)
	if err := encodeImage(stagePath, img, format); err != nil {
		return nil, newError("CODEC_FAILURE", "画像の圧縮に失敗しました", err)
	}
	outPath := filepath.Join(ws.outDir, outName)
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
		Kind:           KindImage,
		OutputPath:     outPath,
		OutputFilename: outName,
		OutputSize:     info.Size(),
		Format:         format,
		Meta:           meta,
	}, nil
}

func decodeImage(path, mimeType string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if mimeType == "image/webp" {
		return webp.Decode(f)
	}
	return imaging.Decode(f, imaging.AutoOrientation(true))
}

func encodeImage(path string, img image.Image, format string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	defer f.Close()
	switch format {
	case "webp":
		return webp.Encode(f, img, &webp.Options{Quality: webpQuality})
	case "jpeg":
		return imaging.Encode(f, flattenAlpha(img), imaging.JPEG, imaging.JPEGQuality(jpegQuality))
	default:
		return fmt.Errorf("unknown image format: %s", format)
	}
}

// flattenAlpha は透過画像を白背景に合成します。JPEGはアルファを持てないためです。
func flattenAlpha(img image.Image) image.Image {
	if opaque, ok := img.(interface{ Opaque() bool }); ok && opaque.Opaque() {
		return img
	}
	bounds := img.Bounds()
	flat := image.NewRGBA(bounds)
	draw.Draw(flat, bounds, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(flat, bounds, img, bounds.Min, draw.Over)
	return flat
}
