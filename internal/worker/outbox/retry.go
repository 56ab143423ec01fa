package outbox

import "time"

const (
	// initialBackoff は指数バックオフの初回遅延（1分）。
	initialBackoff = time.Minute
	// maxBackoff は指数バックオフの最大遅延（1時間）。
	maxBackoff = time.Hour
)

// CalculateBackoff は失敗回数に基づいて次回送信までの遅延を計算する。
// 初回1分、2倍ずつ増加、最大1時間。failuresは0始まり。
func CalculateBackoff(failures int) time.Duration {
	delay := initialBackoff
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
