package session

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qiminjie89/srtio/pkg/srt"
	"github.com/qiminjie89/srtio/pkg/srt/srttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 测试统一用短时间片，让截止时间和取消以毫秒级生效
const testQuantum = 5 * time.Millisecond

type openResult struct {
	sess *Session
	err  error
}

func openAsync(api srt.API, uri string, cfg Config) <-chan openResult {
	ch := make(chan openResult, 1)
	go func() {
		s, err := Open(api, uri, cfg)
		ch <- openResult{sess: s, err: err}
	}()
	return ch
}

// assertNetworkClean 校验失败路径和关闭路径都不泄漏引擎资源
func assertNetworkClean(t *testing.T, n *srttest.Network) {
	t.Helper()
	assert.Zero(t, n.LiveSockets(), "leaked sockets")
	assert.Zero(t, n.LivePollers(), "leaked pollers")
	assert.Zero(t, n.StartupCount(), "unbalanced engine startup")
}

func TestSessionRoundTrip(t *testing.T) {
	n := srttest.NewNetwork()
	api := n.API()
	cfg := Config{PollQuantum: testQuantum}

	lch := openAsync(api, "srt://127.0.0.1:7001?mode=listener", cfg)

	caller, err := Open(api, "srt://127.0.0.1:7001?mode=caller", cfg)
	require.NoError(t, err)
	assert.NotEmpty(t, caller.ID())
	assert.NotNil(t, caller.Underlying())

	lr := <-lch
	require.NoError(t, lr.err)
	listener := lr.sess

	payload := []byte("four score and seven")
	_, err = caller.Write(payload)
	require.NoError(t, err)

	buf := make([]byte, 64)
	nn, err := listener.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:nn])

	_, err = listener.Write(buf[:nn])
	require.NoError(t, err)
	nn, err = caller.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:nn])

	require.NoError(t, caller.Close())
	require.NoError(t, caller.Close())
	require.NoError(t, listener.Close())
	assertNetworkClean(t, n)
}

func TestSessionCandidateFallback(t *testing.T) {
	n := srttest.NewNetwork()
	api := n.API()
	cfg := Config{PollQuantum: testQuantum}

	n.Refuse("10.0.0.1:7002")
	lch := openAsync(api, "srt://127.0.0.1:7002?mode=listener", cfg)

	// 首个候选被拒后回退到第二个候选
	resolver := func(host string, port int, passive bool) ([]*net.UDPAddr, error) {
		return []*net.UDPAddr{
			{IP: net.ParseIP("10.0.0.1"), Port: port},
			{IP: net.ParseIP("127.0.0.1"), Port: port},
		}, nil
	}
	caller, err := Open(api, "srt://example.test:7002?mode=caller", Config{
		PollQuantum: testQuantum,
		Resolver:    resolver,
	})
	require.NoError(t, err)

	lr := <-lch
	require.NoError(t, lr.err)

	_, err = caller.Write([]byte("via fallback"))
	require.NoError(t, err)
	buf := make([]byte, 64)
	nn, err := lr.sess.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "via fallback", string(buf[:nn]))

	require.NoError(t, caller.Close())
	require.NoError(t, lr.sess.Close())
	assertNetworkClean(t, n)
}

func TestSessionConnectDeadline(t *testing.T) {
	n := srttest.NewNetwork()

	start := time.Now()
	_, err := Open(n.API(), "srt://127.0.0.1:7003?mode=caller&connect_timeout=100", Config{
		PollQuantum: testQuantum,
	})
	require.ErrorIs(t, err, ErrDeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	assertNetworkClean(t, n)
}

func TestSessionListenTimeout(t *testing.T) {
	n := srttest.NewNetwork()

	start := time.Now()
	_, err := Open(n.API(), "srt://127.0.0.1:7004?mode=listener&listen_timeout=100000", Config{
		PollQuantum: testQuantum,
	})
	require.ErrorIs(t, err, ErrDeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	assertNetworkClean(t, n)
}

func TestSessionInterruptOpen(t *testing.T) {
	n := srttest.NewNetwork()

	var stop atomic.Bool
	time.AfterFunc(30*time.Millisecond, func() { stop.Store(true) })

	start := time.Now()
	_, err := Open(n.API(), "srt://127.0.0.1:7005?mode=caller", Config{
		PollQuantum: testQuantum,
		Interrupt:   stop.Load,
	})
	require.ErrorIs(t, err, ErrInterrupted)
	assert.Less(t, time.Since(start), 2*time.Second)
	assertNetworkClean(t, n)
}

func TestSessionRejectedOption(t *testing.T) {
	n := srttest.NewNetwork()

	_, err := Open(n.API(), "srt://127.0.0.1:7006?mode=caller&pbkeylen=17", Config{
		PollQuantum: testQuantum,
	})
	require.ErrorIs(t, err, ErrSetup)
	assertNetworkClean(t, n)
}

func TestSessionReadDeadline(t *testing.T) {
	n := srttest.NewNetwork()
	api := n.API()
	cfg := Config{PollQuantum: testQuantum}

	lch := openAsync(api, "srt://127.0.0.1:7007?mode=listener", cfg)

	// timeout 以微秒计
	caller, err := Open(api, "srt://127.0.0.1:7007?mode=caller&timeout=50000", cfg)
	require.NoError(t, err)
	lr := <-lch
	require.NoError(t, lr.err)

	start := time.Now()
	buf := make([]byte, 16)
	_, err = caller.Read(buf)
	require.ErrorIs(t, err, ErrDeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.NoError(t, caller.Close())
	require.NoError(t, lr.sess.Close())
	assertNetworkClean(t, n)
}

func TestSessionNonBlockingRead(t *testing.T) {
	n := srttest.NewNetwork()
	api := n.API()
	cfg := Config{PollQuantum: testQuantum}

	lch := openAsync(api, "srt://127.0.0.1:7008?mode=listener", cfg)

	caller, err := Open(api, "srt://127.0.0.1:7008?mode=caller", Config{
		PollQuantum: testQuantum,
		NonBlocking: true,
	})
	require.NoError(t, err)
	lr := <-lch
	require.NoError(t, lr.err)

	buf := make([]byte, 16)
	_, err = caller.Read(buf)
	require.ErrorIs(t, err, ErrAgain)

	_, err = lr.sess.Write([]byte("late data"))
	require.NoError(t, err)

	var nn int
	require.Eventually(t, func() bool {
		var rerr error
		nn, rerr = caller.Read(buf)
		return rerr == nil
	}, time.Second, time.Millisecond)
	assert.Equal(t, "late data", string(buf[:nn]))

	require.NoError(t, caller.Close())
	require.NoError(t, lr.sess.Close())
	assertNetworkClean(t, n)
}

func TestSessionInterruptRead(t *testing.T) {
	n := srttest.NewNetwork()
	api := n.API()

	var stop atomic.Bool
	cfg := Config{PollQuantum: testQuantum, Interrupt: stop.Load}

	lch := openAsync(api, "srt://127.0.0.1:7010?mode=listener", cfg)
	caller, err := Open(api, "srt://127.0.0.1:7010?mode=caller", cfg)
	require.NoError(t, err)
	lr := <-lch
	require.NoError(t, lr.err)

	time.AfterFunc(30*time.Millisecond, func() { stop.Store(true) })

	start := time.Now()
	buf := make([]byte, 16)
	_, err = caller.Read(buf)
	require.ErrorIs(t, err, ErrInterrupted)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.NoError(t, caller.Close())
	require.NoError(t, lr.sess.Close())
	assertNetworkClean(t, n)
}

func TestSessionRendezvous(t *testing.T) {
	n := srttest.NewNetwork()
	api := n.API()
	cfg := Config{PollQuantum: testQuantum}

	uri := "srt://127.0.0.1:7009?mode=rendezvous"
	ach := openAsync(api, uri, cfg)
	bch := openAsync(api, uri, cfg)

	ar, br := <-ach, <-bch
	require.NoError(t, ar.err)
	require.NoError(t, br.err)

	_, err := ar.sess.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	nn, err := br.sess.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:nn]))

	_, err = br.sess.Write([]byte("pong"))
	require.NoError(t, err)
	nn, err = ar.sess.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:nn]))

	require.NoError(t, ar.sess.Close())
	require.NoError(t, br.sess.Close())
	assertNetworkClean(t, n)
}
