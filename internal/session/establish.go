package session

import (
	"errors"
	"fmt"
	"net"

	"github.com/qiminjie89/srtio/pkg/metrics"
	"github.com/qiminjie89/srtio/pkg/srt"
	"go.uber.org/zap"
)

// Resolver 将主机名解析为有序的候选地址列表。
// passive 为 true 时（监听/汇合的本地绑定）允许空主机名，解析为通配地址。
type Resolver func(host string, port int, passive bool) ([]*net.UDPAddr, error)

// defaultResolver 基于标准库的名字解析
func defaultResolver(host string, port int, passive bool) ([]*net.UDPAddr, error) {
	if host == "" {
		if !passive {
			return nil, fmt.Errorf("%w: host missing in uri", ErrConfiguration)
		}
		return []*net.UDPAddr{{IP: net.IPv4zero, Port: port}}, nil
	}
	if ip := net.ParseIP(host); ip != nil {
		return []*net.UDPAddr{{IP: ip, Port: port}}, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrResolution, host, err)
	}
	addrs := make([]*net.UDPAddr, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, &net.UDPAddr{IP: ip, Port: port})
	}
	return addrs, nil
}

// establisher 驱动一次建连：按模式分支执行
// 创建→PRE 选项→bind/listen/connect→accept 序列
type establisher struct {
	api         srt.API
	opts        *Options
	w           *waiter
	interrupted func() bool
	log         *zap.Logger
}

// establish 依次尝试候选地址，首个成功即返回。
// 失败的尝试先关闭本次句柄再换下一个地址；取消立即中止，
// 不再尝试剩余地址；全部耗尽时返回最后一个地址的错误。
func (e *establisher) establish(addrs []*net.UDPAddr) (srt.Socket, error) {
	var lastErr error
	for i, addr := range addrs {
		willTryNext := i < len(addrs)-1
		sock, err := e.attempt(addr, willTryNext)
		if err == nil {
			return sock, nil
		}
		lastErr = err
		if errors.Is(err, ErrInterrupted) {
			return nil, err
		}
		if willTryNext {
			metrics.CandidateRetries.Inc()
			e.log.Warn("connection attempt failed, trying next address",
				zap.String("addr", addr.String()),
				zap.Error(err),
			)
		}
	}
	return nil, lastErr
}

// attempt 对单个候选地址执行完整建连序列。
// 任何失败都先关闭本次打开的句柄再返回，句柄不会泄漏。
func (e *establisher) attempt(addr *net.UDPAddr, willTryNext bool) (srt.Socket, error) {
	sock, err := e.api.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("%w: create socket: %v", ErrSetup, err)
	}

	conn, err := e.setup(sock, addr, willTryNext)
	if err != nil {
		sock.Close()
		return nil, err
	}
	return conn, nil
}

func (e *establisher) setup(sock srt.Socket, addr *net.UDPAddr, willTryNext bool) (srt.Socket, error) {
	if err := e.opts.applyPre(sock); err != nil {
		return nil, err
	}
	e.opts.applyBufferSizes(sock)

	switch e.opts.Mode {
	case ModeListener:
		return e.listen(sock, addr)
	case ModeRendezvous:
		// 汇合模式先绑定本地地址，再执行与主动连接相同的握手
		if err := sock.Bind(addr); err != nil {
			return nil, fmt.Errorf("%w: bind %s: %v", ErrSetup, addr, err)
		}
		if err := e.connect(sock, addr, willTryNext); err != nil {
			return nil, err
		}
		return sock, nil
	default:
		if err := e.connect(sock, addr, willTryNext); err != nil {
			return nil, err
		}
		return sock, nil
	}
}

// listen 绑定并监听（backlog 1，本会话只服务一个对端），
// 等待接受就绪后取出连接。监听句柄的所有权随 accept 移交引擎，
// 返回的是已接受的对端套接字。
func (e *establisher) listen(sock srt.Socket, addr *net.UDPAddr) (srt.Socket, error) {
	if err := sock.SetBoolOption(srt.OptReuseAddr, true); err != nil {
		e.log.Warn("set reuseaddr failed", zap.Error(err))
	}
	if err := sock.Bind(addr); err != nil {
		return nil, fmt.Errorf("%w: bind %s: %v", ErrSetup, addr, err)
	}
	if err := sock.Listen(1); err != nil {
		return nil, fmt.Errorf("%w: listen: %v", ErrSetup, err)
	}

	deadline, explicit := e.opts.listenDeadline()
	for {
		err := e.w.waitDeadline(sock, srt.DirWrite, deadline, e.interrupted)
		if err == nil {
			break
		}
		if errors.Is(err, ErrDeadlineExceeded) {
			if explicit {
				metrics.WaitDeadlines.WithLabelValues("accept").Inc()
				return nil, err
			}
			// 未显式配置 listen_timeout 时整段等待超时视为瞬态，继续等
			continue
		}
		return nil, err
	}

	peer, err := sock.Accept()
	if err != nil {
		return nil, fmt.Errorf("%w: accept: %v", ErrSetup, err)
	}
	if err := setNonBlocking(peer); err != nil {
		e.log.Debug("set accepted socket non-blocking failed", zap.Error(err))
	}
	return peer, nil
}

// connect 非阻塞发起连接并等待握手完成。
// 引擎报告被打断时检查取消谓词后直接重试，不重新核对截止时间；
// 报告进行中时等待写就绪，再以 LastError 判定握手结果。
func (e *establisher) connect(sock srt.Socket, addr *net.UDPAddr, willTryNext bool) error {
	if err := setNonBlocking(sock); err != nil {
		e.log.Debug("set socket non-blocking failed", zap.Error(err))
	}

	deadline := e.opts.connectDeadline()
	for {
		err := sock.Connect(addr)
		if err == nil {
			return nil
		}
		switch srt.CodeOf(err) {
		case srt.CodeInterrupted:
			if e.interrupted != nil && e.interrupted() {
				return ErrInterrupted
			}
			continue
		case srt.CodeConnInProgress, srt.CodeAsyncSend:
			if werr := e.w.waitDeadline(sock, srt.DirWrite, deadline, e.interrupted); werr != nil {
				if errors.Is(werr, ErrDeadlineExceeded) {
					metrics.WaitDeadlines.WithLabelValues("connect").Inc()
				}
				return werr
			}
			lerr := sock.LastError()
			if lerr == nil {
				return nil
			}
			if willTryNext {
				e.log.Warn("connection failed",
					zap.String("addr", addr.String()),
					zap.Error(lerr),
				)
			} else {
				e.log.Error("connection failed",
					zap.String("addr", addr.String()),
					zap.Error(lerr),
				)
			}
			return fmt.Errorf("%w: connect %s: %v", ErrSetup, addr, lerr)
		default:
			return fmt.Errorf("%w: connect %s: %v", ErrSetup, addr, err)
		}
	}
}

// setNonBlocking 关闭两个方向的阻塞语义
func setNonBlocking(sock srt.Socket) error {
	if err := sock.SetBoolOption(srt.OptSendSyn, false); err != nil {
		return err
	}
	return sock.SetBoolOption(srt.OptRecvSyn, false)
}
