package session

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/qiminjie89/srtio/pkg/logger"
	"github.com/qiminjie89/srtio/pkg/srt"
	"go.uber.org/zap"
)

// Mode 连接拓扑
type Mode int

const (
	// ModeCaller 主动连接
	ModeCaller Mode = iota
	// ModeListener 被动监听，接受一个对端
	ModeListener
	// ModeRendezvous 对称汇合，双方同时 bind+connect
	ModeRendezvous
)

// String 返回模式名称
func (m Mode) String() string {
	switch m {
	case ModeListener:
		return "listener"
	case ModeRendezvous:
		return "rendezvous"
	default:
		return "caller"
	}
}

// defaultOpenTimeout 未配置 timeout 时建连等待的默认上限
const defaultOpenTimeout = 5 * time.Second

// Options 会话可调参数。负数/空串表示未设置，未设置的选项
// 不会下发给引擎，由引擎默认值生效。解析阶段不做取值校验，
// 越界值交由引擎在 set-option 时拒绝。
//
// 单位沿用查询参数约定：timeout、listen_timeout、tsbpddelay 为
// 微秒，connect_timeout 为毫秒；内部统一存成 time.Duration，
// tsbpddelay 在下发前换算为毫秒。
type Options struct {
	RWTimeout      time.Duration // 读写等待上限
	ListenTimeout  time.Duration // 监听方接受等待上限
	ConnectTimeout time.Duration // 连接阶段等待上限，同时下发给引擎
	MaxBW          int64         // 最大带宽，字节/秒
	InputBW        int64         // 估计输入码率（POST）
	OheadBW        int64         // 带宽余量百分比（POST）
	PBKeyLen       int64         // 加密密钥长度
	Passphrase     string        // 加密口令
	MSS            int64         // 最大分段大小
	FFS            int64         // 流控窗口
	IPTTL          int64         // IP TTL
	IPTOS          int64         // IP 服务类型
	TSBPDDelay     time.Duration // 接收侧延迟预算
	TLPktDrop      int64         // 过期丢包开关 0/1
	NAKReport      int64         // NAK 上报开关 0/1
	SendBufferSize int64         // UDP 发送缓冲（尽力而为）
	RecvBufferSize int64         // UDP 接收缓冲（尽力而为）
	Mode           Mode
}

// DefaultOptions 返回全部未设置的选项集
func DefaultOptions() Options {
	return Options{
		RWTimeout:      -1,
		ListenTimeout:  -1,
		ConnectTimeout: -1,
		MaxBW:          -1,
		InputBW:        -1,
		OheadBW:        -1,
		PBKeyLen:       -1,
		MSS:            -1,
		FFS:            -1,
		IPTTL:          -1,
		IPTOS:          -1,
		TSBPDDelay:     -1,
		TLPktDrop:      -1,
		NAKReport:      -1,
		SendBufferSize: -1,
		RecvBufferSize: -1,
		Mode:           ModeCaller,
	}
}

// applyQuery 用 URI 查询参数覆盖选项。只识别已知键，
// 未知键忽略；mode 取值非法是配置错误。
func (o *Options) applyQuery(q url.Values) error {
	var err error
	if v := q.Get("timeout"); v != "" {
		if o.RWTimeout, err = parseDuration(v, time.Microsecond); err != nil {
			return err
		}
	}
	if v := q.Get("listen_timeout"); v != "" {
		if o.ListenTimeout, err = parseDuration(v, time.Microsecond); err != nil {
			return err
		}
	}
	if v := q.Get("connect_timeout"); v != "" {
		if o.ConnectTimeout, err = parseDuration(v, time.Millisecond); err != nil {
			return err
		}
	}
	if v := q.Get("tsbpddelay"); v != "" {
		if o.TSBPDDelay, err = parseDuration(v, time.Microsecond); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*int64{
		"maxbw":     &o.MaxBW,
		"inputbw":   &o.InputBW,
		"oheadbw":   &o.OheadBW,
		"pbkeylen":  &o.PBKeyLen,
		"mss":       &o.MSS,
		"ffs":       &o.FFS,
		"ipttl":     &o.IPTTL,
		"iptos":     &o.IPTOS,
		"tlpktdrop": &o.TLPktDrop,
		"nakreport": &o.NAKReport,
	} {
		if v := q.Get(key); v != "" {
			if *dst, err = parseInt(key, v); err != nil {
				return err
			}
		}
	}
	if v := q.Get("passphrase"); v != "" {
		o.Passphrase = v
	}
	if v := q.Get("mode"); v != "" {
		switch v {
		case "caller":
			o.Mode = ModeCaller
		case "listener":
			o.Mode = ModeListener
		case "rendezvous":
			o.Mode = ModeRendezvous
		default:
			return fmt.Errorf("%w: unrecognized mode %q", ErrConfiguration, v)
		}
	}
	return nil
}

func parseInt(key, v string) (int64, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrConfiguration, key, v)
	}
	return n, nil
}

func parseDuration(v string, unit time.Duration) (time.Duration, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrConfiguration, v)
	}
	return time.Duration(n) * unit, nil
}

// applyPre 按引擎要求的顺序下发连接前选项，首个被拒即失败。
// 只允许作用于尚未连接的套接字。
func (o *Options) applyPre(sock srt.Socket) error {
	if o.Mode == ModeRendezvous {
		if err := setBoolOpt(sock, srt.OptRendezvous, true); err != nil {
			return err
		}
	}
	for _, opt := range []struct {
		name srt.SockOpt
		val  int64
	}{
		{srt.OptMaxBW, o.MaxBW},
		{srt.OptPBKeyLen, o.PBKeyLen},
	} {
		if opt.val >= 0 {
			if err := setIntOpt(sock, opt.name, opt.val); err != nil {
				return err
			}
		}
	}
	if o.Passphrase != "" {
		if err := setStrOpt(sock, srt.OptPassphrase, o.Passphrase); err != nil {
			return err
		}
	}
	for _, opt := range []struct {
		name srt.SockOpt
		val  int64
	}{
		{srt.OptMSS, o.MSS},
		{srt.OptFC, o.FFS},
		{srt.OptIPTTL, o.IPTTL},
		{srt.OptIPTOS, o.IPTOS},
	} {
		if opt.val >= 0 {
			if err := setIntOpt(sock, opt.name, opt.val); err != nil {
				return err
			}
		}
	}
	if o.TSBPDDelay >= 0 {
		if err := setIntOpt(sock, srt.OptTSBPDDelay, o.TSBPDDelay.Milliseconds()); err != nil {
			return err
		}
	}
	if o.TLPktDrop >= 0 {
		if err := setIntOpt(sock, srt.OptTLPktDrop, o.TLPktDrop); err != nil {
			return err
		}
	}
	if o.NAKReport >= 0 {
		if err := setIntOpt(sock, srt.OptNAKReport, o.NAKReport); err != nil {
			return err
		}
	}
	if o.ConnectTimeout >= 0 {
		if err := setIntOpt(sock, srt.OptConnTimeout, o.ConnectTimeout.Milliseconds()); err != nil {
			return err
		}
	}
	return nil
}

// applyBufferSizes 下发 UDP 缓冲区大小，失败只记日志不中断
func (o *Options) applyBufferSizes(sock srt.Socket) {
	if o.RecvBufferSize > 0 {
		if err := sock.SetIntOption(srt.OptUDPRcvBuf, o.RecvBufferSize); err != nil {
			logger.Debug("set recv buffer size failed", zap.Error(err))
		}
	}
	if o.SendBufferSize > 0 {
		if err := sock.SetIntOption(srt.OptUDPSndBuf, o.SendBufferSize); err != nil {
			logger.Debug("set send buffer size failed", zap.Error(err))
		}
	}
}

// applyPost 下发连接后选项，只允许作用于已连接/已接受的套接字
func (o *Options) applyPost(sock srt.Socket) error {
	if o.InputBW >= 0 {
		if err := setIntOpt(sock, srt.OptInputBW, o.InputBW); err != nil {
			return err
		}
	}
	if o.OheadBW >= 0 {
		if err := setIntOpt(sock, srt.OptOheadBW, o.OheadBW); err != nil {
			return err
		}
	}
	return nil
}

// openTimeout 建连阶段的等待上限：timeout 设置时取其值，否则默认 5s
func (o *Options) openTimeout() time.Duration {
	if o.RWTimeout >= 0 {
		return o.RWTimeout
	}
	return defaultOpenTimeout
}

// connectDeadline 连接等待上限：connect_timeout 优先于 openTimeout
func (o *Options) connectDeadline() time.Duration {
	if o.ConnectTimeout >= 0 {
		return o.ConnectTimeout
	}
	return o.openTimeout()
}

// listenDeadline 接受等待上限；第二个返回值表示是否为调用方显式配置
func (o *Options) listenDeadline() (time.Duration, bool) {
	if o.ListenTimeout >= 0 {
		return o.ListenTimeout, true
	}
	return o.openTimeout(), false
}

// rwDeadline 读写等待上限，未设置时为 0（无限等待）
func (o *Options) rwDeadline() time.Duration {
	if o.RWTimeout >= 0 {
		return o.RWTimeout
	}
	return 0
}

func setIntOpt(sock srt.Socket, opt srt.SockOpt, v int64) error {
	if err := sock.SetIntOption(opt, v); err != nil {
		logger.Error("failed to set option on socket",
			zap.Stringer("option", opt),
			zap.Int64("value", v),
			zap.Error(err),
		)
		return fmt.Errorf("%w: option %s: %v", ErrSetup, opt, err)
	}
	return nil
}

func setStrOpt(sock srt.Socket, opt srt.SockOpt, v string) error {
	if err := sock.SetStrOption(opt, v); err != nil {
		logger.Error("failed to set option on socket",
			zap.Stringer("option", opt),
			zap.Error(err),
		)
		return fmt.Errorf("%w: option %s: %v", ErrSetup, opt, err)
	}
	return nil
}

func setBoolOpt(sock srt.Socket, opt srt.SockOpt, v bool) error {
	if err := sock.SetBoolOption(opt, v); err != nil {
		logger.Error("failed to set option on socket",
			zap.Stringer("option", opt),
			zap.Bool("value", v),
			zap.Error(err),
		)
		return fmt.Errorf("%w: option %s: %v", ErrSetup, opt, err)
	}
	return nil
}
