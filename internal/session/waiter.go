package session

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/qiminjie89/srtio/pkg/metrics"
	"github.com/qiminjie89/srtio/pkg/srt"
)

// defaultPollQuantum 单次就绪等待的时间片。等待以短时间片轮询
// 而不是一次性阻塞整个超时，这样取消谓词最多一个时间片内生效。
const defaultPollQuantum = 100 * time.Millisecond

// errQuantum 单个时间片内未就绪，由外层循环决定继续或超时
var errQuantum = errors.New("poll quantum elapsed")

// waiter 就绪等待器：对一个会话独占的通知上下文做
// 注册-等待-注销的成对操作，并在其上实现截止时间与取消。
type waiter struct {
	poller  srt.Poller
	clock   clock.Clock
	quantum time.Duration
}

func newWaiter(poller srt.Poller, clk clock.Clock, quantum time.Duration) *waiter {
	if clk == nil {
		clk = clock.New()
	}
	if quantum <= 0 {
		quantum = defaultPollQuantum
	}
	return &waiter{poller: poller, clock: clk, quantum: quantum}
}

// waitQuantum 等待一个时间片。注册与注销始终成对执行，
// 即使等待出错也注销，避免通知上下文在多次调用间累积残留。
func (w *waiter) waitQuantum(sock srt.Socket, dir srt.Direction) error {
	if err := w.poller.Register(sock, dir); err != nil {
		return err
	}
	ready, werr := w.poller.Wait(w.quantum)
	if uerr := w.poller.Unregister(sock); uerr != nil {
		return uerr
	}
	if werr != nil {
		if srt.CodeOf(werr) == srt.CodeTimeout {
			return errQuantum
		}
		return werr
	}
	if !ready {
		return errQuantum
	}
	return nil
}

// waitDeadline 等待就绪直到 total 耗尽。total <= 0 表示无限等待，
// 但取消谓词仍然每个时间片检查一次，且在首次等待前先检查。
// 计时从第一个未就绪的时间片开始，与引擎各自的超时互不干扰。
func (w *waiter) waitDeadline(sock srt.Socket, dir srt.Direction, total time.Duration, interrupted func() bool) error {
	var start time.Time
	for {
		if interrupted != nil && interrupted() {
			metrics.WaitInterrupts.Inc()
			return ErrInterrupted
		}
		err := w.waitQuantum(sock, dir)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errQuantum) {
			return err
		}
		if total > 0 {
			if start.IsZero() {
				start = w.clock.Now()
			} else if w.clock.Since(start) > total {
				return ErrDeadlineExceeded
			}
		}
	}
}
