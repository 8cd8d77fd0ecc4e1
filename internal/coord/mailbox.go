// Package coord は認証コールバックの結果を、対話中のDiscordインタラクションへ
// 受け渡すプロセス内の調停チャネルを提供する。
package coord

import (
	"sync"
	"time"
)

// Outcome はコールバック処理の結果。インタラクション側のメッセージとして表示される。
type Outcome struct {
	Message   string
	Success   bool
	CreatedAt time.Time
}

// Mailbox はハンドルごとに1件の結果を保持する。
// 受け取られなかった結果はttl経過後にSweepで破棄される。
type Mailbox struct {
	mu    sync.Mutex
	boxes map[string]Outcome
	ttl   time.Duration
	now   func() time.Time
}

// NewMailbox はMailboxを生成する。
func NewMailbox(ttl time.Duration) *Mailbox {
	return &Mailbox{
		boxes: make(map[string]Outcome),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Deposit は結果を格納する。同じハンドルの未取得の結果は上書きされる。
func (m *Mailbox) Deposit(handle string, outcome Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if outcome.CreatedAt.IsZero() {
		outcome.CreatedAt = m.now()
	}
	m.boxes[handle] = outcome
}

// TryTake は結果があれば取り出して削除する。
func (m *Mailbox) TryTake(handle string) (Outcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	outcome, ok := m.boxes[handle]
	if ok {
		delete(m.boxes, handle)
	}
	return outcome, ok
}

// Sweep はttlを超えた結果を破棄し、破棄した件数を返す。
func (m *Mailbox) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.ttl)
	removed := 0
	for handle, outcome := range m.boxes {
		if outcome.CreatedAt.Before(cutoff) {
			delete(m.boxes, handle)
			removed++
		}
	}
	return removed
}

// Len は保持している結果の件数を返す。
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.boxes)
}
