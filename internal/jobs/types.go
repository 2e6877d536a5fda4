package jobs

import "time"

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal は終端状態（以降の変更が許されない状態）かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// 失敗時のエラー種別。ErrorInfo.Code に入ります。
const (
	ErrCodeInputInvalid  = "INPUT_INVALID"
	ErrCodeCodecFailure  = "CODEC_FAILURE"
	ErrCodeUploadFailure = "UPLOAD_FAILURE"
	ErrCodeInternal      = "INTERNAL_ERROR"
)

// ProgressInfo は進捗の補足情報を表します。
type ProgressInfo struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResultInfo はジョブ成功時の成果物情報を保持します。
type ResultInfo struct {
	Location  string `json:"location"`            // ローカル成果物のファイル名（ダウンロードAPI用）
	RemoteURL string `json:"remoteUrl,omitempty"` // リモートアップロード先（要求時のみ）
	Size      int64  `json:"size"`
	Format    string `json:"format"`
}

// Record はジョブの現在状態を表します。
// 更新は必ず Store の原子的な更新操作を通して行われ、
// Version は更新のたびに単調増加します。
type Record struct {
	JobID     string       `json:"jobId"`
	Kind      string       `json:"kind"` // "image" | "video"
	Status    Status       `json:"status"`
	Progress  ProgressInfo `json:"progress"`
	Version   int64        `json:"version"`
	Upload    bool         `json:"upload,omitempty"` // リモートアップロード要求の有無
	Result    *ResultInfo  `json:"result,omitempty"`
	Error     *ErrorInfo   `json:"error,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
	ExpiresAt time.Time    `json:"expiresAt"`
}

// Event は購読者へ配信される進捗イベントです。Record のスナップショットです。
type Event struct {
	JobID     string       `json:"jobId"`
	Kind      string       `json:"kind"`
	Status    Status       `json:"status"`
	Progress  ProgressInfo `json:"progress"`
	Version   int64        `json:"version"`
	Result    *ResultInfo  `json:"result,omitempty"`
	Error     *ErrorInfo   `json:"error,omitempty"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Event は Record から配信用イベントを作ります。
func (r *Record) Event() Event {
	return Event{
		JobID:     r.JobID,
		Kind:      r.Kind,
		Status:    r.Status,
		Progress:  r.Progress,
		Version:   r.Version,
		Result:    r.Result,
		Error:     r.Error,
		UpdatedAt: r.UpdatedAt,
	}
}
