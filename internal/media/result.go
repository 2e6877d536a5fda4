package media

// Kind はメディア種別を表します。
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Result はメディア圧縮の成果を表します。
type Result struct {
	JobID          string `json:"jobId"`
	Kind           Kind   `json:"kind"`
	OutputPath     string `json:"outputPath"`
	OutputFilename string `json:"outputFilename"`
	OutputSize     int64  `json:"outputSize"`
	Format         string `json:"format"` // "jpeg" | "webp" | "mp4"
	Meta           any    `json:"meta,omitempty"`
}

// ContentType は成果物のMIMEタイプを返します。
func (r *Result) ContentType() string {
	switch r.Format {
	case "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	case "mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

// SourceFileMeta は入力ファイルのメタデータです。
type SourceFileMeta struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// CompressMeta は圧縮処理のメタデータです。
type CompressMeta struct {
	OriginalSize int64          `json:"originalSize"`
	OutputSize   int64          `json:"outputSize"`
	SavedBytes   int64          `json:"savedBytes"`
	SavedPercent float64        `json:"savedPercent"`
	Source       SourceFileMeta `json:"source"`
}

func computeSavedPercent(before, after int64) float64 {
	if before == 0 {
		return 0
	}
	diff := float64(before-after) / float64(before) * 100
	return diff
}
