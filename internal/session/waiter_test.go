package session

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/qiminjie89/srtio/pkg/srt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubWait struct {
	ready bool
	err   error
}

// stubPoller 可编程的通知上下文桩：每次 Wait 按脚本返回结果
// 并把模拟时钟推进一个时间片，耗尽脚本后恒为未就绪。
type stubPoller struct {
	clk         *clock.Mock
	results     []stubWait
	waits       int
	registers   int
	unregisters int
	unregErr    error
}

func (p *stubPoller) Register(srt.Socket, srt.Direction) error {
	p.registers++
	return nil
}

func (p *stubPoller) Unregister(srt.Socket) error {
	p.unregisters++
	return p.unregErr
}

func (p *stubPoller) Wait(timeout time.Duration) (bool, error) {
	i := p.waits
	p.waits++
	if p.clk != nil {
		p.clk.Add(timeout)
	}
	if i < len(p.results) {
		return p.results[i].ready, p.results[i].err
	}
	return false, nil
}

func (p *stubPoller) Release() error { return nil }

func TestWaitDeadlineExceeded(t *testing.T) {
	clk := clock.NewMock()
	p := &stubPoller{clk: clk}
	w := newWaiter(p, clk, 100*time.Millisecond)

	err := w.waitDeadline(&recordingSocket{}, srt.DirRead, 500*time.Millisecond, nil)
	require.ErrorIs(t, err, ErrDeadlineExceeded)

	// 计时从第一个未就绪时间片结束后起算：
	// 首片之后还允许再过 500ms，共 7 次等待
	assert.Equal(t, 7, p.waits)
	assert.Equal(t, p.registers, p.unregisters)
}

func TestWaitDeadlineReady(t *testing.T) {
	clk := clock.NewMock()
	p := &stubPoller{clk: clk, results: []stubWait{{ready: true}}}
	w := newWaiter(p, clk, 100*time.Millisecond)

	require.NoError(t, w.waitDeadline(&recordingSocket{}, srt.DirWrite, time.Second, nil))
	assert.Equal(t, 1, p.waits)
	assert.Equal(t, 1, p.registers)
	assert.Equal(t, 1, p.unregisters)
}

func TestWaitDeadlineInterruptBeforeFirstPoll(t *testing.T) {
	clk := clock.NewMock()
	p := &stubPoller{clk: clk}
	w := newWaiter(p, clk, 100*time.Millisecond)

	err := w.waitDeadline(&recordingSocket{}, srt.DirRead, time.Second, func() bool { return true })
	require.ErrorIs(t, err, ErrInterrupted)
	assert.Zero(t, p.registers)
	assert.Zero(t, p.waits)
}

func TestWaitDeadlineInfiniteUntilInterrupt(t *testing.T) {
	clk := clock.NewMock()
	p := &stubPoller{clk: clk}
	w := newWaiter(p, clk, 10*time.Millisecond)

	// total <= 0 无限等待，取消谓词仍然每片检查
	err := w.waitDeadline(&recordingSocket{}, srt.DirRead, 0, func() bool {
		return p.waits >= 3
	})
	require.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, 3, p.waits)
	assert.Equal(t, p.registers, p.unregisters)
}

func TestWaitDeadlinePropagatesEngineError(t *testing.T) {
	clk := clock.NewMock()
	p := &stubPoller{clk: clk, results: []stubWait{
		{err: srt.NewError(srt.CodeResource, "epoll exhausted")},
	}}
	w := newWaiter(p, clk, 100*time.Millisecond)

	err := w.waitDeadline(&recordingSocket{}, srt.DirRead, time.Second, nil)
	require.Error(t, err)
	assert.Equal(t, srt.CodeResource, srt.CodeOf(err))
	assert.Equal(t, p.registers, p.unregisters)
}

func TestWaitDeadlineTimeoutCodeIsQuantum(t *testing.T) {
	clk := clock.NewMock()
	p := &stubPoller{clk: clk, results: []stubWait{
		{err: srt.NewError(srt.CodeTimeout, "wait timed out")},
		{ready: true},
	}}
	w := newWaiter(p, clk, 100*time.Millisecond)

	// 引擎的超时码只表示一个时间片结束，不是错误
	require.NoError(t, w.waitDeadline(&recordingSocket{}, srt.DirRead, time.Second, nil))
	assert.Equal(t, 2, p.waits)
}

func TestWaitQuantumUnregisterError(t *testing.T) {
	clk := clock.NewMock()
	p := &stubPoller{
		clk:      clk,
		results:  []stubWait{{ready: true}},
		unregErr: srt.NewError(srt.CodeInvalidParam, "not registered"),
	}
	w := newWaiter(p, clk, 100*time.Millisecond)

	err := w.waitQuantum(&recordingSocket{}, srt.DirRead)
	require.Error(t, err)
	assert.Equal(t, srt.CodeInvalidParam, srt.CodeOf(err))
}
