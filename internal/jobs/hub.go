package jobs

import "sync"

// 購読チャネルのバッファ。進捗はマイルストーン粒度（1ジョブあたり数件）
// なので、これを超えることは想定しない。
const subscriberBuffer = 32

// Hub はジョブ単位の進捗イベントをブロードキャストします。
// 状態そのものは保持しません。真実は常に Store 側にあり、
// Hub は転送用のチャネル一覧だけを持ちます。
type Hub struct {
	mu     sync.RWMutex
	nextID int64
	subs   map[string]map[int64]chan Event
}

// NewHub は Hub を作成します。
func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[int64]chan Event),
	}
}

// Subscribe は指定ジョブのイベントチャネルと解除関数を返します。
// 解除関数は複数回呼んでも安全です。
func (h *Hub) Subscribe(jobID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	listeners, ok := h.subs[jobID]
	if !ok {
		listeners = make(map[int64]chan Event)
		h.subs[jobID] = listeners
	}
	listeners[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if listeners, ok := h.subs[jobID]; ok {
				delete(listeners, id)
				if len(listeners) == 0 {
					delete(h.subs, jobID)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish はイベントを全購読者へ配信します。ワーカーをブロックしないよう、
// バッファが一杯の購読者への送信はスキップします（購読者は Store の
// スナップショットから最新状態を取り直せます）。
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs[ev.JobID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
