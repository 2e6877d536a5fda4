package media

import (
	"github.com/gabriel-vasile/mimetype"
)

var imageMIMEs = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/gif":  {},
	"image/webp": {},
}

var videoMIMEs = map[string]struct{}{
	"video/mp4":        {},
	"video/quicktime":  {},
	"video/x-msvideo":  {},
	"video/x-matroska": {},
}

// detectKind は入力ファイルの実内容からメディア種別を判定します。
// 拡張子ではなくマジックバイトを信頼します。
func detectKind(path string) (Kind, *mimetype.MIME, error) {
	mime, err := mimetype.DetectFile(path)
	if err != nil {
		return "", nil, newError("INPUT_INVALID", "ファイル形式を判定できませんでした", err)
	}
	if _, ok := imageMIMEs[mime.String()]; ok {
		return KindImage, mime, nil
	}
	if _, ok := videoMIMEs[mime.String()]; ok {
		return KindVideo, mime, nil
	}
	return "", nil, newError("INPUT_INVALID", "サポートされていないファイル形式です: "+mime.String(), nil)
}
