package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/qiminjie89/srtio/pkg/logger"
	"github.com/qiminjie89/srtio/pkg/metrics"
	"github.com/qiminjie89/srtio/pkg/srt"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config 打开会话的调用方配置
type Config struct {
	// Options 选项初值，URI 查询参数在其上覆盖；nil 等价于 DefaultOptions
	Options *Options
	// NonBlocking 读写跳过就绪等待，直接下发引擎调用，
	// 暂无数据/缓冲时返回 ErrAgain
	NonBlocking bool
	// Interrupt 协作取消谓词，阻塞操作每个轮询片检查一次
	Interrupt func() bool
	// Resolver 名字解析，nil 使用标准库解析
	Resolver Resolver
	// Clock 超时计时用时钟，nil 使用真实时钟
	Clock clock.Clock
	// PollQuantum 单次就绪等待时间片，0 使用默认值
	PollQuantum time.Duration
}

// Session 一条已建立的 SRT 会话：引擎套接字、独占的就绪
// 通知上下文和生效的超时配置。单线程使用，读写互相独立。
type Session struct {
	id          string
	api         srt.API
	sock        srt.Socket
	poller      srt.Poller
	w           *waiter
	rwTimeout   time.Duration // <= 0 表示无限等待
	nonBlocking bool
	interrupted func() bool
	log         *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open 建立一条会话：解析 URI 与查询参数、解析候选地址、
// 按模式建连、下发 POST 选项。任何失败路径都会关闭已打开的
// 句柄并回退引擎全局初始化，不泄漏资源。
func Open(api srt.API, rawURI string, cfg Config) (*Session, error) {
	if err := acquireAPI(api); err != nil {
		metrics.SessionOpenFailures.WithLabelValues(failureClass(err)).Inc()
		return nil, err
	}
	s, err := open(api, rawURI, cfg)
	if err != nil {
		releaseAPI(api)
		metrics.SessionOpenFailures.WithLabelValues(failureClass(err)).Inc()
		return nil, err
	}
	return s, nil
}

func open(api srt.API, rawURI string, cfg Config) (*Session, error) {
	ep, err := ParseEndpoint(rawURI)
	if err != nil {
		return nil, err
	}

	opts := DefaultOptions()
	if cfg.Options != nil {
		opts = *cfg.Options
	}
	if err := opts.applyQuery(ep.Query); err != nil {
		return nil, err
	}

	resolve := cfg.Resolver
	if resolve == nil {
		resolve = defaultResolver
	}
	passive := opts.Mode != ModeCaller
	addrs, err := resolve(ep.Host, ep.Port, passive)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s: no addresses", ErrResolution, ep.Host)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	poller, err := api.NewPoller()
	if err != nil {
		return nil, fmt.Errorf("%w: create poller: %v", ErrSetup, err)
	}

	id := uuid.NewString()
	log := logger.Named("session").With(
		zap.String("session_id", id),
		zap.String("mode", opts.Mode.String()),
		zap.String("host", ep.Host),
		zap.Int("port", ep.Port),
	)

	w := newWaiter(poller, clk, cfg.PollQuantum)
	est := &establisher{
		api:         api,
		opts:        &opts,
		w:           w,
		interrupted: cfg.Interrupt,
		log:         log,
	}

	start := clk.Now()
	sock, err := est.establish(addrs)
	if err != nil {
		poller.Release()
		return nil, err
	}

	if err := opts.applyPost(sock); err != nil {
		sock.Close()
		poller.Release()
		return nil, err
	}

	metrics.SessionsOpened.WithLabelValues(opts.Mode.String()).Inc()
	metrics.SessionsActive.Inc()
	metrics.SessionOpenDuration.Observe(clk.Since(start).Seconds())
	log.Info("session opened")

	return &Session{
		id:          id,
		api:         api,
		sock:        sock,
		poller:      poller,
		w:           w,
		rwTimeout:   opts.rwDeadline(),
		nonBlocking: cfg.NonBlocking,
		interrupted: cfg.Interrupt,
		log:         log,
	}, nil
}

// ID 返回会话标识
func (s *Session) ID() string {
	return s.id
}

// Read 接收一条消息。阻塞模式先在读方向等待就绪
// （超时 rwTimeout），非阻塞模式直接下发接收调用。
func (s *Session) Read(p []byte) (int, error) {
	if !s.nonBlocking {
		if err := s.w.waitDeadline(s.sock, srt.DirRead, s.rwTimeout, s.interrupted); err != nil {
			if errors.Is(err, ErrDeadlineExceeded) {
				metrics.WaitDeadlines.WithLabelValues("read").Inc()
			}
			return 0, err
		}
	}

	n, err := s.sock.Recv(p)
	if err != nil {
		return 0, s.mapIOError("recv", err)
	}
	metrics.BytesRead.Add(float64(n))
	return n, nil
}

// Write 发送一条消息。阻塞模式先在写方向等待就绪。
func (s *Session) Write(p []byte) (int, error) {
	if !s.nonBlocking {
		if err := s.w.waitDeadline(s.sock, srt.DirWrite, s.rwTimeout, s.interrupted); err != nil {
			if errors.Is(err, ErrDeadlineExceeded) {
				metrics.WaitDeadlines.WithLabelValues("write").Inc()
			}
			return 0, err
		}
	}

	n, err := s.sock.Send(p)
	if err != nil {
		return 0, s.mapIOError("send", err)
	}
	metrics.BytesWritten.Add(float64(n))
	return n, nil
}

// Close 关闭会话：释放套接字和通知上下文，若这是最后一个
// 存活会话则回收引擎全局状态。可重复调用，只生效一次。
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var errs error
		if err := s.sock.Close(); err != nil {
			errs = multierr.Append(errs, err)
		}
		if err := s.poller.Release(); err != nil {
			errs = multierr.Append(errs, err)
		}
		if err := releaseAPI(s.api); err != nil {
			errs = multierr.Append(errs, err)
		}

		metrics.SessionsActive.Dec()
		metrics.SessionsClosed.Inc()
		s.log.Info("session closed")
		s.closeErr = errs
	})
	return s.closeErr
}

// Underlying 返回底层引擎套接字，供调用方直接操作
func (s *Session) Underlying() srt.Socket {
	return s.sock
}

// mapIOError 统一的引擎错误映射：异步不可用映射为 ErrAgain，
// 其余按一般 I/O 失败处理并记录引擎的可读错误串。
func (s *Session) mapIOError(op string, err error) error {
	switch srt.CodeOf(err) {
	case srt.CodeAsyncRecv, srt.CodeAsyncSend:
		return ErrAgain
	}
	s.log.Error("socket error",
		zap.String("op", op),
		zap.String("detail", err.Error()),
	)
	return fmt.Errorf("%s: %w", op, err)
}

// 引擎全局初始化按 API 实例引用计数：首个会话 Startup，
// 最后一个会话 Cleanup。假定外围应用串行操作会话生命周期，
// 互斥锁只保护计数本身。
var (
	apiMu   sync.Mutex
	apiRefs = make(map[srt.API]int)
)

func acquireAPI(api srt.API) error {
	apiMu.Lock()
	defer apiMu.Unlock()
	if apiRefs[api] == 0 {
		if err := api.Startup(); err != nil {
			return fmt.Errorf("%w: engine startup: %v", ErrSetup, err)
		}
	}
	apiRefs[api]++
	return nil
}

func releaseAPI(api srt.API) error {
	apiMu.Lock()
	defer apiMu.Unlock()
	if apiRefs[api] == 0 {
		return nil
	}
	apiRefs[api]--
	if apiRefs[api] == 0 {
		delete(apiRefs, api)
		return api.Cleanup()
	}
	return nil
}
