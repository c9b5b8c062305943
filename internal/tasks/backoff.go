package tasks

import "time"

const (
	defaultRetryBase  = 1 * time.Second
	defaultRetryMax   = 30 * time.Second
	defaultMaxRetries = 5
)

// Backoff はリアルタイム接続の再接続間隔を決める。
type Backoff struct {
	Base       time.Duration // 初回の待機時間
	Max        time.Duration // 待機時間の上限
	MaxRetries int           // 連続失敗の上限。到達した時点で再接続をあきらめる
}

// withDefaults は未設定の値をデフォルトで埋める。
func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = defaultRetryBase
	}
	if b.Max <= 0 {
		b.Max = defaultRetryMax
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = defaultMaxRetries
	}
	return b
}

// Delay はattempt回目（0始まり）の再接続前の待機時間を返す。
// Baseから2倍ずつ増加し、Maxで頭打ちになる。
func (b Backoff) Delay(attempt int) time.Duration {
	delay := b.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= b.Max {
			return b.Max
		}
	}
	if delay > b.Max {
		return b.Max
	}
	return delay
}
