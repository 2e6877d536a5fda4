package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/media-forge/internal/config"
	"github.com/yourusername/media-forge/internal/media"
)

// memStore は RecordStore のインメモリ実装です。
// Redis 実装と同じ状態遷移規則（終端後は不変、Version 単調増加）に従います。
type memStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*Record)}
}

func (s *memStore) Create(ctx context.Context, jobID, kind string, upload bool) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	record := &Record{
		JobID:     jobID,
		Kind:      kind,
		Status:    StatusQueued,
		Progress:  ProgressInfo{Percent: 0, Stage: "queued"},
		Version:   1,
		Upload:    upload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.records[jobID] = record
	return copyRecord(record), nil
}

func (s *memStore) Get(ctx context.Context, jobID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[jobID]
	if !ok {
		return nil, nil
	}
	return copyRecord(record), nil
}

func (s *memStore) Delete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, jobID)
	return nil
}

func (s *memStore) MarkProcessing(ctx context.Context, jobID string) (*Record, error) {
	return s.update(jobID, func(record *Record) bool {
		if record.Status.Terminal() {
			return false
		}
		record.Status = StatusProcessing
		record.Progress = ProgressInfo{Percent: 0, Stage: "load"}
		return true
	})
}

func (s *memStore) UpdateProgress(ctx context.Context, jobID string, progress ProgressInfo) (*Record, error) {
	return s.update(jobID, func(record *Record) bool {
		if record.Status.Terminal() {
			return false
		}
		if progress.Percent < record.Progress.Percent {
			progress.Percent = record.Progress.Percent
		}
		record.Progress = progress
		return true
	})
}

func (s *memStore) MarkDone(ctx context.Context, jobID string, result *ResultInfo) (*Record, error) {
	return s.update(jobID, func(record *Record) bool {
		if record.Status.Terminal() {
			return false
		}
		record.Status = StatusCompleted
		record.Progress = ProgressInfo{Percent: 100, Stage: "completed"}
		record.Result = result
		record.Error = nil
		return true
	})
}

func (s *memStore) MarkFailed(ctx context.Context, jobID string, errInfo *ErrorInfo) (*Record, error) {
	return s.update(jobID, func(record *Record) bool {
		if record.Status.Terminal() {
			return false
		}
		record.Status = StatusFailed
		record.Result = nil
		if errInfo != nil {
			record.Error = errInfo
		}
		return true
	})
}

func (s *memStore) update(jobID string, mutate func(*Record) bool) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[jobID]
	if !ok {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	if mutate(record) {
		record.Version++
		record.UpdatedAt = time.Now().UTC()
	}
	return copyRecord(record), nil
}

func copyRecord(record *Record) *Record {
	clone := *record
	return &clone
}

type stubRunner struct {
	result *media.Result
	err    error
}

func (r *stubRunner) RunJob(ctx context.Context, jobID string, reporter media.ProgressReporter) (*media.Result, error) {
	if r.err != nil {
		return nil, r.err
	}
	if reporter != nil {
		reporter("compress", 30)
		reporter("write", 70)
	}
	return r.result, nil
}

type stubUploader struct {
	url string
	err error

	lastKey         string
	lastContentType string
}

func (u *stubUploader) Upload(ctx context.Context, key, contentType string, body io.Reader) (string, error) {
	u.lastKey = key
	u.lastContentType = contentType
	if u.err != nil {
		return "", u.err
	}
	return u.url, nil
}

func testConfig() *config.Config {
	return &config.Config{
		QueueRedisURL:     "redis://127.0.0.1:6379/0",
		WorkerConcurrency: 2,
	}
}

func newTestManager(t *testing.T, store RecordStore, svc Runner, uploader Uploader) *Manager {
	t.Helper()
	manager, err := NewManager(testConfig(), svc, store, uploader, nil)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	return manager
}

func mediaTask(t *testing.T, payload TaskPayload) *asynq.Task {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	return asynq.NewTask(taskTypeMedia, body)
}

func TestEnqueueFailureRemovesRecord(t *testing.T) {
	store := newMemStore()
	cfg := testConfig()
	// 到達不能なポートを指定してキュー投入を必ず失敗させる
	cfg.QueueRedisURL = "redis://127.0.0.1:1/0"
	manager, err := NewManager(cfg, &stubRunner{}, store, nil, nil)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}

	ctx := context.Background()
	if err := manager.Enqueue(ctx, &TaskPayload{JobID: "job-1", Kind: "image"}); err == nil {
		t.Fatal("expected enqueue error for unreachable redis")
	}

	// 呼び出し元へエラーが返った以上、ジョブ記録は残らない
	record, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record != nil {
		t.Fatalf("record left behind after enqueue failure: %#v", record)
	}
}

func TestHandleMediaTaskSuccess(t *testing.T) {
	store := newMemStore()
	runner := &stubRunner{
		result: &media.Result{
			JobID:          "job-1",
			Kind:           media.KindImage,
			OutputFilename: "compressed.jpg",
			OutputSize:     1234,
			Format:         "jpeg",
		},
	}
	manager := newTestManager(t, store, runner, nil)

	ctx := context.Background()
	if _, err := store.Create(ctx, "job-1", "image", false); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if err := manager.handleMediaTask(ctx, mediaTask(t, TaskPayload{JobID: "job-1", Kind: "image"})); err != nil {
		t.Fatalf("handleMediaTask returned error: %v", err)
	}

	record, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record.Status != StatusCompleted {
		t.Fatalf("unexpected status: %s", record.Status)
	}
	if record.Progress.Percent != 100 {
		t.Fatalf("unexpected percent: %d", record.Progress.Percent)
	}
	if record.Result == nil || record.Result.Location != "compressed.jpg" {
		t.Fatalf("unexpected result: %#v", record.Result)
	}
	if record.Result.RemoteURL != "" {
		t.Fatalf("remote URL should be empty without upload: %q", record.Result.RemoteURL)
	}
	if record.Error != nil {
		t.Fatalf("error should be nil: %#v", record.Error)
	}
}

func TestHandleMediaTaskCodecFailure(t *testing.T) {
	store := newMemStore()
	runner := &stubRunner{
		err: &media.Error{Code: "CODEC_FAILURE", Message: "ffmpegによる圧縮に失敗しました"},
	}
	manager := newTestManager(t, store, runner, nil)

	ctx := context.Background()
	if _, err := store.Create(ctx, "job-1", "video", false); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if err := manager.handleMediaTask(ctx, mediaTask(t, TaskPayload{JobID: "job-1", Kind: "video"})); err != nil {
		t.Fatalf("handleMediaTask returned error: %v", err)
	}

	record, _ := store.Get(ctx, "job-1")
	if record.Status != StatusFailed {
		t.Fatalf("unexpected status: %s", record.Status)
	}
	if record.Error == nil || record.Error.Code != ErrCodeCodecFailure {
		t.Fatalf("unexpected error info: %#v", record.Error)
	}
	if record.Result != nil {
		t.Fatalf("result should be nil on failure: %#v", record.Result)
	}
}

func TestHandleMediaTaskInputInvalid(t *testing.T) {
	store := newMemStore()
	runner := &stubRunner{
		err: &media.Error{Code: "INPUT_INVALID", Message: "サポートされていないファイル形式です"},
	}
	manager := newTestManager(t, store, runner, nil)

	ctx := context.Background()
	if _, err := store.Create(ctx, "job-1", "image", false); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if err := manager.handleMediaTask(ctx, mediaTask(t, TaskPayload{JobID: "job-1", Kind: "image"})); err != nil {
		t.Fatalf("handleMediaTask returned error: %v", err)
	}

	record, _ := store.Get(ctx, "job-1")
	if record.Status != StatusFailed {
		t.Fatalf("unexpected status: %s", record.Status)
	}
	if record.Error == nil || record.Error.Code != ErrCodeInputInvalid {
		t.Fatalf("unexpected error info: %#v", record.Error)
	}
}

func TestHandleMediaTaskMissingRecord(t *testing.T) {
	store := newMemStore()
	manager := newTestManager(t, store, &stubRunner{}, nil)

	// 記録のないタスクはエラーにせずスキップする
	err := manager.handleMediaTask(context.Background(), mediaTask(t, TaskPayload{JobID: "gone"}))
	if err != nil {
		t.Fatalf("handleMediaTask returned error: %v", err)
	}
}

func TestHandleMediaTaskTerminalRecordUnchanged(t *testing.T) {
	store := newMemStore()
	manager := newTestManager(t, store, &stubRunner{}, nil)

	ctx := context.Background()
	if _, err := store.Create(ctx, "job-1", "image", false); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	failed, err := store.MarkFailed(ctx, "job-1", &ErrorInfo{Code: ErrCodeInternal, Message: "x"})
	if err != nil {
		t.Fatalf("MarkFailed returned error: %v", err)
	}

	if err := manager.handleMediaTask(ctx, mediaTask(t, TaskPayload{JobID: "job-1"})); err != nil {
		t.Fatalf("handleMediaTask returned error: %v", err)
	}

	record, _ := store.Get(ctx, "job-1")
	if record.Version != failed.Version {
		t.Fatalf("terminal record was modified: version %d -> %d", failed.Version, record.Version)
	}
}

func TestHandleMediaTaskUpload(t *testing.T) {
	tempDir := t.TempDir()
	outputPath := filepath.Join(tempDir, "compressed.jpg")
	if err := os.WriteFile(outputPath, []byte("jpeg-bytes"), 0o640); err != nil {
		t.Fatalf("failed to write output file: %v", err)
	}

	store := newMemStore()
	runner := &stubRunner{
		result: &media.Result{
			JobID:          "job-1",
			Kind:           media.KindImage,
			OutputPath:     outputPath,
			OutputFilename: "compressed.jpg",
			OutputSize:     10,
			Format:         "jpeg",
		},
	}
	uploader := &stubUploader{url: "https://cdn.example.com/media/job-1/compressed.jpg"}
	manager := newTestManager(t, store, runner, uploader)

	ctx := context.Background()
	if _, err := store.Create(ctx, "job-1", "image", true); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if err := manager.handleMediaTask(ctx, mediaTask(t, TaskPayload{JobID: "job-1", Kind: "image", Upload: true})); err != nil {
		t.Fatalf("handleMediaTask returned error: %v", err)
	}

	record, _ := store.Get(ctx, "job-1")
	if record.Status != StatusCompleted {
		t.Fatalf("unexpected status: %s", record.Status)
	}
	if record.Result == nil || record.Result.RemoteURL != uploader.url {
		t.Fatalf("unexpected result: %#v", record.Result)
	}
	if uploader.lastKey != "media/job-1/compressed.jpg" {
		t.Fatalf("unexpected upload key: %s", uploader.lastKey)
	}
	if uploader.lastContentType != "image/jpeg" {
		t.Fatalf("unexpected content type: %s", uploader.lastContentType)
	}
}

func TestHandleMediaTaskUploadFailure(t *testing.T) {
	tempDir := t.TempDir()
	outputPath := filepath.Join(tempDir, "compressed.jpg")
	if err := os.WriteFile(outputPath, []byte("jpeg-bytes"), 0o640); err != nil {
		t.Fatalf("failed to write output file: %v", err)
	}

	store := newMemStore()
	runner := &stubRunner{
		result: &media.Result{
			JobID:          "job-1",
			OutputPath:     outputPath,
			OutputFilename: "compressed.jpg",
			Format:         "jpeg",
		},
	}
	uploader := &stubUploader{err: fmt.Errorf("bucket unavailable")}
	manager := newTestManager(t, store, runner, uploader)

	ctx := context.Background()
	if _, err := store.Create(ctx, "job-1", "image", true); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if err := manager.handleMediaTask(ctx, mediaTask(t, TaskPayload{JobID: "job-1", Upload: true})); err != nil {
		t.Fatalf("handleMediaTask returned error: %v", err)
	}

	record, _ := store.Get(ctx, "job-1")
	if record.Status != StatusFailed {
		t.Fatalf("unexpected status: %s", record.Status)
	}
	if record.Error == nil || record.Error.Code != ErrCodeUploadFailure {
		t.Fatalf("unexpected error info: %#v", record.Error)
	}
}

func TestHandleMediaTaskUploadWithoutUploader(t *testing.T) {
	store := newMemStore()
	runner := &stubRunner{
		result: &media.Result{JobID: "job-1", OutputFilename: "compressed.jpg", Format: "jpeg"},
	}
	manager := newTestManager(t, store, runner, nil)

	ctx := context.Background()
	if _, err := store.Create(ctx, "job-1", "image", true); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if err := manager.handleMediaTask(ctx, mediaTask(t, TaskPayload{JobID: "job-1", Upload: true})); err != nil {
		t.Fatalf("handleMediaTask returned error: %v", err)
	}

	record, _ := store.Get(ctx, "job-1")
	if record.Status != StatusFailed {
		t.Fatalf("unexpected status: %s", record.Status)
	}
	if record.Error == nil || record.Error.Code != ErrCodeUploadFailure {
		t.Fatalf("unexpected error info: %#v", record.Error)
	}
}

func TestWatchUnknownJob(t *testing.T) {
	manager := newTestManager(t, newMemStore(), &stubRunner{}, nil)

	events, cancel, err := manager.Watch(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Watch returned error: %v", err)
	}
	if events != nil || cancel != nil {
		t.Fatal("expected nil channel for unknown job")
	}
}

func TestWatchTerminalJobYieldsSingleEvent(t *testing.T) {
	store := newMemStore()
	manager := newTestManager(t, store, &stubRunner{}, nil)

	ctx := context.Background()
	if _, err := store.Create(ctx, "job-1", "image", false); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if _, err := store.MarkDone(ctx, "job-1", &ResultInfo{Location: "compressed.jpg", Format: "jpeg"}); err != nil {
		t.Fatalf("MarkDone returned error: %v", err)
	}

	events, cancel, err := manager.Watch(ctx, "job-1")
	if err != nil {
		t.Fatalf("Watch returned error: %v", err)
	}
	defer cancel()

	ev, ok := <-events
	if !ok {
		t.Fatal("expected snapshot event")
	}
	if ev.Status != StatusCompleted {
		t.Fatalf("unexpected status: %s", ev.Status)
	}
	if _, ok := <-events; ok {
		t.Fatal("expected channel to close after terminal event")
	}
}

func TestWatchReceivesLiveUpdates(t *testing.T) {
	store := newMemStore()
	manager := newTestManager(t, store, &stubRunner{}, nil)

	ctx := context.Background()
	if _, err := store.Create(ctx, "job-1", "image", false); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	events, cancel, err := manager.Watch(ctx, "job-1")
	if err != nil {
		t.Fatalf("Watch returned error: %v", err)
	}
	defer cancel()

	// スナップショット
	ev := mustReceive(t, events)
	if ev.Status != StatusQueued {
		t.Fatalf("unexpected snapshot status: %s", ev.Status)
	}

	record, err := store.MarkProcessing(ctx, "job-1")
	if err != nil {
		t.Fatalf("MarkProcessing returned error: %v", err)
	}
	manager.hub.Publish(record.Event())

	ev = mustReceive(t, events)
	if ev.Status != StatusProcessing {
		t.Fatalf("unexpected status: %s", ev.Status)
	}

	record, err = store.MarkDone(ctx, "job-1", &ResultInfo{Location: "compressed.jpg", Format: "jpeg"})
	if err != nil {
		t.Fatalf("MarkDone returned error: %v", err)
	}
	manager.hub.Publish(record.Event())

	ev = mustReceive(t, events)
	if ev.Status != StatusCompleted {
		t.Fatalf("unexpected status: %s", ev.Status)
	}
	if _, ok := <-events; ok {
		t.Fatal("expected channel to close after terminal event")
	}
}

func TestWatchTwoSubscribersSeeTerminalOnce(t *testing.T) {
	store := newMemStore()
	manager := newTestManager(t, store, &stubRunner{}, nil)

	ctx := context.Background()
	if _, err := store.Create(ctx, "job-1", "image", false); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	events1, cancel1, err := manager.Watch(ctx, "job-1")
	if err != nil {
		t.Fatalf("Watch returned error: %v", err)
	}
	defer cancel1()
	events2, cancel2, err := manager.Watch(ctx, "job-1")
	if err != nil {
		t.Fatalf("Watch returned error: %v", err)
	}
	defer cancel2()

	for i, events := range []<-chan Event{events1, events2} {
		ev := mustReceive(t, events)
		if ev.Status != StatusQueued {
			t.Fatalf("subscriber %d: unexpected snapshot status: %s", i, ev.Status)
		}
	}

	record, err := store.MarkDone(ctx, "job-1", &ResultInfo{Location: "compressed.jpg", Format: "jpeg"})
	if err != nil {
		t.Fatalf("MarkDone returned error: %v", err)
	}
	manager.hub.Publish(record.Event())

	// 両方の購読者が終端イベントをちょうど1回ずつ受け取り、その後閉じる
	for i, events := range []<-chan Event{events1, events2} {
		ev := mustReceive(t, events)
		if ev.Status != StatusCompleted {
			t.Fatalf("subscriber %d: unexpected status: %s", i, ev.Status)
		}
		if _, ok := <-events; ok {
			t.Fatalf("subscriber %d: expected channel to close after terminal event", i)
		}
	}
}

func TestWatchDropsStaleEvents(t *testing.T) {
	store := newMemStore()
	manager := newTestManager(t, store, &stubRunner{}, nil)

	ctx := context.Background()
	created, err := store.Create(ctx, "job-1", "image", false)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	events, cancel, err := manager.Watch(ctx, "job-1")
	if err != nil {
		t.Fatalf("Watch returned error: %v", err)
	}
	defer cancel()

	ev := mustReceive(t, events)
	if ev.Version != created.Version {
		t.Fatalf("unexpected snapshot version: %d", ev.Version)
	}

	// スナップショット以前のバージョンのイベントは重複なので捨てられる
	manager.hub.Publish(created.Event())

	record, err := store.MarkDone(ctx, "job-1", &ResultInfo{Location: "compressed.jpg", Format: "jpeg"})
	if err != nil {
		t.Fatalf("MarkDone returned error: %v", err)
	}
	manager.hub.Publish(record.Event())

	ev = mustReceive(t, events)
	if ev.Status != StatusCompleted {
		t.Fatalf("expected terminal event, got: %#v", ev)
	}
}

func mustReceive(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}
