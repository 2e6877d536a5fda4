// Package jobs は非同期圧縮ジョブのライフサイクル管理を提供します。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/media-forge/internal/config"
	"github.com/yourusername/media-forge/internal/media"
)

const (
	taskTypeMedia = "media:compress"
	queueName     = "media"

	// 外部コーデック呼び出しを含むため長めに取る
	taskTimeout = 30 * time.Minute
)

// RecordStore はジョブ記録の永続化層です。*Store（Redis実装）が満たします。
type RecordStore interface {
	Create(ctx context.Context, jobID, kind string, upload bool) (*Record, error)
	Get(ctx context.Context, jobID string) (*Record, error)
	Delete(ctx context.Context, jobID string) error
	MarkProcessing(ctx context.Context, jobID string) (*Record, error)
	UpdateProgress(ctx context.Context, jobID string, progress ProgressInfo) (*Record, error)
	MarkDone(ctx context.Context, jobID string, result *ResultInfo) (*Record, error)
	MarkFailed(ctx context.Context, jobID string, errInfo *ErrorInfo) (*Record, error)
}

// Runner は圧縮処理を実行できるサービスが実装します。
type Runner interface {
	RunJob(ctx context.Context, jobID string, reporter media.ProgressReporter) (*media.Result, error)
}

// Uploader は成果物をリモートストレージへ転送します。未構成の場合は nil。
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader) (string, error)
}

// Manager はジョブの投入・実行・購読をまとめて担います。
type Manager struct {
	cfg       *config.Config
	client    *asynq.Client
	server    *asynq.Server
	inspector *asynq.Inspector
	mux       *asynq.ServeMux
	store     RecordStore
	hub       *Hub
	svc       Runner
	uploader  Uploader
	logger    *log.Logger
}

// TaskPayload は圧縮ジョブのペイロードです。
type TaskPayload struct {
	JobID  string `json:"jobId"`
	Kind   string `json:"kind"`
	Upload bool   `json:"upload,omitempty"`
}

// NewManager は Manager を初期化します。uploader は nil でも構いません。
func NewManager(cfg *config.Config, svc Runner, store RecordStore, uploader Uploader, logger *log.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if svc == nil {
		return nil, errors.New("svc is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
			Queues: map[string]int{
				queueName: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		cfg:       cfg,
		client:    client,
		server:    server,
		inspector: asynq.NewInspector(opt),
		mux:       mux,
		store:     store,
		hub:       NewHub(),
		svc:       svc,
		uploader:  uploader,
		logger:    logger,
	}
	mux.HandleFunc(taskTypeMedia, manager.handleMediaTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			if m.logger != nil {
				m.logger.Printf("asynq server stopped with error: %v", err)
			} else {
				log.Printf("asynq server stopped with error: %v", err)
			}
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	m.client.Close()
	m.inspector.Close()
	return nil
}

// Enqueue はジョブ記録を作成し、キューに投入します。
// 記録の作成が先、投入が後。投入に失敗しても記録のないキュー項目は生まれません。
// 投入に失敗した場合は作成済みの記録を削除してからエラーを返すため、
// 呼び出し元へエラーが返ったジョブは存在しません。
func (m *Manager) Enqueue(ctx context.Context, payload *TaskPayload) error {
	if payload == nil {
		return fmt.Errorf("payload is nil")
	}
	if payload.JobID == "" {
		return fmt.Errorf("payload.JobID is required")
	}

	if _, err := m.store.Create(ctx, payload.JobID, payload.Kind, payload.Upload); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	// 失敗は終端。ワーカー内での自動リトライは行わない
	task := asynq.NewTask(taskTypeMedia, body, asynq.Queue(queueName))
	if _, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(0), asynq.Timeout(taskTimeout)); err != nil {
		if delErr := m.store.Delete(ctx, payload.JobID); delErr != nil {
			m.logf("failed to delete record after enqueue failure job=%s: %v", payload.JobID, delErr)
		}
		return err
	}
	return nil
}

// GetRecord はジョブ情報を取得します。
func (m *Manager) GetRecord(ctx context.Context, jobID string) (*Record, error) {
	return m.store.Get(ctx, jobID)
}

// Watch はジョブの進捗イベント列を返します。まず保存済みのスナップショットを
// 配信し、続けてライブ更新を転送します。終端イベントの配信後にチャネルは
// 閉じられます。ジョブが存在しない場合は (nil, nil, nil) を返します。
// 返された解除関数は購読を即時に解放します（複数回呼んでも安全）。
func (m *Manager) Watch(ctx context.Context, jobID string) (<-chan Event, func(), error) {
	// 取りこぼしを防ぐため、スナップショット取得より先に購読する
	live, cancel := m.hub.Subscribe(jobID)

	record, err := m.store.Get(ctx, jobID)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if record == nil {
		cancel()
		return nil, nil, nil
	}

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		defer cancel()

		snapshot := record.Event()
		select {
		case out <- snapshot:
		case <-ctx.Done():
			return
		}
		if snapshot.Status.Terminal() {
			return
		}

		lastVersion := snapshot.Version
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-live:
				if !ok {
					return
				}
				// スナップショットと重複するイベントは捨てる
				if ev.Version <= lastVersion {
					continue
				}
				lastVersion = ev.Version
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Status.Terminal() {
					return
				}
			}
		}
	}()
	return out, cancel, nil
}

// QueueStats はヘルスチェック用のキュー統計です。
type QueueStats struct {
	QueueDepth int `json:"queueDepth"`
	Workers    int `json:"workers"`
}

// QueueStats は現時点のキュー深度とワーカー数を返します。
func (m *Manager) QueueStats() (*QueueStats, error) {
	stats := &QueueStats{Workers: m.cfg.WorkerConcurrency}

	info, err := m.inspector.GetQueueInfo(queueName)
	if err != nil {
		// タスクが一度も投入されていないキューは未登録扱いになる
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return stats, nil
		}
		return nil, err
	}
	stats.QueueDepth = info.Pending
	return stats, nil
}

func (m *Manager) handleMediaTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload")
	}

	record, err := m.store.Get(ctx, payload.JobID)
	if err != nil {
		return err
	}
	if record == nil {
		// 記録のないキュー項目（期限切れ等）は安全にスキップする
		m.logf("skipping task without record job=%s", payload.JobID)
		return nil
	}
	if record.Status.Terminal() {
		return nil
	}

	record, err = m.store.MarkProcessing(ctx, payload.JobID)
	if err != nil {
		return err
	}
	m.hub.Publish(record.Event())

	result, runErr := m.svc.RunJob(ctx, payload.JobID, func(stage string, percent int) {
		m.publishProgress(ctx, payload.JobID, stage, percent)
	})
	if runErr != nil {
		return m.failJobWithError(ctx, payload.JobID, runErr)
	}

	info := &ResultInfo{
		Location: result.OutputFilename,
		Size:     result.OutputSize,
		Format:   result.Format,
	}

	if record.Upload {
		if m.uploader == nil {
			return m.failJob(ctx, payload.JobID, ErrCodeUploadFailure, "リモートストレージが構成されていません")
		}
		m.publishProgress(ctx, payload.JobID, "upload", 90)
		remoteURL, uploadErr := m.uploadResult(ctx, result)
		if uploadErr != nil {
			return m.failJob(ctx, payload.JobID, ErrCodeUploadFailure, uploadErr.Error())
		}
		info.RemoteURL = remoteURL
	}

	return m.finishJob(ctx, payload.JobID, info)
}

func (m *Manager) uploadResult(ctx context.Context, result *media.Result) (string, error) {
	file, err := os.Open(result.OutputPath)
	if err != nil {
		return "", fmt.Errorf("成果物ファイルを開けませんでした: %w", err)
	}
	defer file.Close()

	key := path.Join("media", result.JobID, result.OutputFilename)
	return m.uploader.Upload(ctx, key, result.ContentType(), file)
}

func (m *Manager) publishProgress(ctx context.Context, jobID, stage string, percent int) {
	record, err := m.store.UpdateProgress(ctx, jobID, ProgressInfo{
		Percent: percent,
		Stage:   stage,
	})
	if err != nil {
		m.logf("failed to update progress job=%s: %v", jobID, err)
		return
	}
	m.hub.Publish(record.Event())
}

func (m *Manager) finishJob(ctx context.Context, jobID string, result *ResultInfo) error {
	if result == nil {
		return fmt.Errorf("result is nil")
	}
	record, err := m.store.MarkDone(ctx, jobID, result)
	if err != nil {
		return err
	}
	m.hub.Publish(record.Event())
	return nil
}

func (m *Manager) failJob(ctx context.Context, jobID, code, message string) error {
	record, err := m.store.MarkFailed(ctx, jobID, &ErrorInfo{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return err
	}
	m.hub.Publish(record.Event())
	return nil
}

func (m *Manager) failJobWithError(ctx context.Context, jobID string, err error) error {
	var mediaErr *media.Error
	if errors.As(err, &mediaErr) {
		return m.failJob(ctx, jobID, errorKindFor(mediaErr.Code), mediaErr.Message)
	}
	return m.failJob(ctx, jobID, ErrCodeInternal, err.Error())
}

// errorKindFor はメディア層のエラーコードをジョブのエラー種別へ写します。
func errorKindFor(code string) string {
	switch code {
	case "INPUT_INVALID", "INVALID_INPUT", "LIMIT_EXCEEDED":
		return ErrCodeInputInvalid
	case "CODEC_FAILURE":
		return ErrCodeCodecFailure
	default:
		return ErrCodeInternal
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
