package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "job:"
)

// ErrStoreUnavailable はジョブストア（Redis）への読み書きに失敗したことを表します。
var ErrStoreUnavailable = fmt.Errorf("job store unavailable")

// Store はジョブ状態を Redis に保存します。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore は Store を作成します。ttl が保持期間（期限切れ記録の自動削除）になります。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
	}
}

// Create は新しいジョブ記録を queued 状態で保存し、その記録を返します。
// jobID はワークスペース作成時に払い出されたUUIDで、以後再利用されません。
func (s *Store) Create(ctx context.Context, jobID, kind string, upload bool) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	record := &Record{
		JobID:  jobID,
		Kind:   kind,
		Status: StatusQueued,
		Progress: ProgressInfo{
			Percent: 0,
			Stage:   "queued",
		},
		Version: 1,
		Upload:  upload,
	}
	s.touch(record)
	record.CreatedAt = record.UpdatedAt

	payload, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	if err := s.rdb.Set(ctx, jobKey(record.JobID), payload, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return record, nil
}

// Get はジョブ情報を取得します。存在しない場合は (nil, nil) を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Delete はジョブ記録を削除します。キュー投入に失敗した記録の巻き戻しに使います。
func (s *Store) Delete(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	if err := s.rdb.Del(ctx, jobKey(jobID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// MarkProcessing はジョブを processing 状態へ進めます。
func (s *Store) MarkProcessing(ctx context.Context, jobID string) (*Record, error) {
	return s.updatePartial(ctx, jobID, func(record *Record) bool {
		if record.Status.Terminal() {
			return false
		}
		record.Status = StatusProcessing
		record.Progress = ProgressInfo{
			Percent: 0,
			Stage:   "load",
		}
		return true
	})
}

// UpdateProgress は進捗を更新します。パーセントは単調非減少にクランプされます。
func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress ProgressInfo) (*Record, error) {
	return s.updatePartial(ctx, jobID, func(record *Record) bool {
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

// MarkDone はジョブ完了時の情報を保存します。
func (s *Store) MarkDone(ctx context.Context, jobID string, result *ResultInfo) (*Record, error) {
	return s.updatePartial(ctx, jobID, func(record *Record) bool {
		if record.Status.Terminal() {
			return false
		}
		record.Status = StatusCompleted
		record.Progress = ProgressInfo{
			Percent: 100,
			Stage:   "completed",
		}
		record.Result = result
		record.Error = nil
		return true
	})
}

// MarkFailed はジョブ失敗時の情報を保存します。
func (s *Store) MarkFailed(ctx context.Context, jobID string, errInfo *ErrorInfo) (*Record, error) {
	return s.updatePartial(ctx, jobID, func(record *Record) bool {
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

// updatePartial は WATCH トランザクションで記録を原子的に読み替えます。
// mutate が false を返した場合（終端状態の記録など）は書き込みを行わず、
// 保存済みの記録をそのまま返します。適用時は Version を加算します。
func (s *Store) updatePartial(ctx context.Context, jobID string, mutate func(*Record) bool) (*Record, error) {
	key := jobKey(jobID)
	var updated *Record

	for {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if err == redis.Nil {
					return fmt.Errorf("job not found: %s", jobID)
				}
				return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			var record Record
			if err := json.Unmarshal(data, &record); err != nil {
				return err
			}

			if !mutate(&record) {
				updated = &record
				return nil
			}

			record.Version++
			s.touch(&record)
			payload, err := json.Marshal(&record)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, s.ttl)
				return nil
			})
			if err != nil {
				return err
			}
			updated = &record
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
}

// touch は更新時刻と有効期限を現在時刻から数え直します。
// Set のたびに redis 側の TTL が張り直されるため、記録が示す
// ExpiresAt も同じ起点で更新しないと実際の期限より手前を指してしまいます。
func (s *Store) touch(record *Record) {
	now := time.Now().UTC()
	record.UpdatedAt = now
	if s.ttl > 0 {
		record.ExpiresAt = now.Add(s.ttl)
	}
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
