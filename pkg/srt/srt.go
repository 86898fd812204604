// Package srt 定义底层可靠传输引擎的套接字边界
//
// 引擎本身（拥塞控制、重传、加密握手）不在本仓库范围内，
// 这里只声明适配层依赖的最小操作集：create/bind/listen/accept/
// connect/send/recv/close/set-option/last-error，以及边沿触发的
// 就绪通知（Poller）。
package srt

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// API 表示引擎的进程级入口
type API interface {
	// Startup 初始化引擎全局状态，首个会话打开前调用
	Startup() error
	// Cleanup 释放引擎全局状态，最后一个会话关闭后调用
	Cleanup() error
	// NewSocket 创建一个未绑定的套接字
	NewSocket() (Socket, error)
	// NewPoller 创建一个就绪通知上下文
	NewPoller() (Poller, error)
}

// Socket 引擎套接字句柄
type Socket interface {
	// Bind 绑定本地地址
	Bind(addr *net.UDPAddr) error
	// Listen 进入监听状态，backlog 为允许的待接受连接数
	Listen(backlog int) error
	// Accept 取出一个已完成握手的连接；无连接且非阻塞时返回 CodeAsyncRecv
	Accept() (Socket, error)
	// Connect 发起连接；非阻塞模式下以 CodeConnInProgress 返回
	Connect(addr *net.UDPAddr) error
	// Send 发送一条消息
	Send(p []byte) (int, error)
	// Recv 接收一条消息
	Recv(p []byte) (int, error)
	// SetIntOption 设置整型选项
	SetIntOption(opt SockOpt, v int64) error
	// SetStrOption 设置字符串选项
	SetStrOption(opt SockOpt, v string) error
	// SetBoolOption 设置布尔选项
	SetBoolOption(opt SockOpt, v bool) error
	// LastError 返回并清除最近一次异步操作的结果，nil 表示成功
	LastError() error
	// Close 关闭套接字
	Close() error
}

// Poller 边沿触发的就绪通知上下文，一个会话独占一个
type Poller interface {
	// Register 注册套接字的某个方向，同一时刻只允许一个注册
	Register(s Socket, dir Direction) error
	// Unregister 取消注册，必须与 Register 成对调用
	Unregister(s Socket) error
	// Wait 阻塞至多 timeout，返回注册方向是否就绪
	Wait(timeout time.Duration) (bool, error)
	// Release 释放通知上下文
	Release() error
}

// Direction 就绪方向
type Direction int

const (
	// DirRead 读就绪
	DirRead Direction = iota
	// DirWrite 写就绪
	DirWrite
)

// String 返回方向名称
func (d Direction) String() string {
	if d == DirWrite {
		return "write"
	}
	return "read"
}

// SockOpt 套接字选项
type SockOpt int

// 选项定义，PRE 选项必须在连接前设置，POST 选项只在连接后设置
const (
	// OptRendezvous 启用对称汇合握手（PRE）
	OptRendezvous SockOpt = iota
	// OptMaxBW 最大带宽，字节/秒（PRE）
	OptMaxBW
	// OptPBKeyLen 加密密钥长度，{0,16,24,32}（PRE）
	OptPBKeyLen
	// OptPassphrase 加密口令（PRE）
	OptPassphrase
	// OptMSS 最大分段大小（PRE）
	OptMSS
	// OptFC 流控窗口大小（PRE）
	OptFC
	// OptIPTTL IP 层 TTL（PRE）
	OptIPTTL
	// OptIPTOS IP 层服务类型（PRE）
	OptIPTOS
	// OptTSBPDDelay 接收侧延迟预算，毫秒（PRE）
	OptTSBPDDelay
	// OptTLPktDrop 接收侧过期丢包开关（PRE）
	OptTLPktDrop
	// OptNAKReport 周期性 NAK 上报开关（PRE）
	OptNAKReport
	// OptConnTimeout 引擎侧连接超时，毫秒（PRE）
	OptConnTimeout
	// OptReuseAddr 地址复用（PRE，尽力而为）
	OptReuseAddr
	// OptUDPSndBuf UDP 发送缓冲区字节数（PRE，尽力而为）
	OptUDPSndBuf
	// OptUDPRcvBuf UDP 接收缓冲区字节数（PRE，尽力而为）
	OptUDPRcvBuf
	// OptSendSyn 发送方向阻塞开关，false 为非阻塞
	OptSendSyn
	// OptRecvSyn 接收方向阻塞开关，false 为非阻塞
	OptRecvSyn
	// OptInputBW 估计输入码率，字节/秒（POST）
	OptInputBW
	// OptOheadBW 基于输入码率的带宽余量百分比（POST）
	OptOheadBW
)

// optNames 选项名称，用于日志
var optNames = map[SockOpt]string{
	OptRendezvous:  "rendezvous",
	OptMaxBW:       "maxbw",
	OptPBKeyLen:    "pbkeylen",
	OptPassphrase:  "passphrase",
	OptMSS:         "mss",
	OptFC:          "fc",
	OptIPTTL:       "ipttl",
	OptIPTOS:       "iptos",
	OptTSBPDDelay:  "tsbpddelay",
	OptTLPktDrop:   "tlpktdrop",
	OptNAKReport:   "nakreport",
	OptConnTimeout: "conntimeo",
	OptReuseAddr:   "reuseaddr",
	OptUDPSndBuf:   "udp_sndbuf",
	OptUDPRcvBuf:   "udp_rcvbuf",
	OptSendSyn:     "sndsyn",
	OptRecvSyn:     "rcvsyn",
	OptInputBW:     "inputbw",
	OptOheadBW:     "oheadbw",
}

// String 返回选项名称
func (o SockOpt) String() string {
	if name, ok := optNames[o]; ok {
		return name
	}
	return fmt.Sprintf("sockopt(%d)", int(o))
}

// ErrorCode 引擎错误码
type ErrorCode int

const (
	// CodeUnknown 未分类错误
	CodeUnknown ErrorCode = iota
	// CodeAsyncRecv 接收方向暂无数据（非阻塞）
	CodeAsyncRecv
	// CodeAsyncSend 发送方向暂无缓冲（非阻塞）
	CodeAsyncSend
	// CodeConnInProgress 连接已发起，等待握手完成
	CodeConnInProgress
	// CodeInterrupted 阻塞调用被信号打断
	CodeInterrupted
	// CodeTimeout 引擎侧等待超时
	CodeTimeout
	// CodeConnRejected 对端拒绝连接
	CodeConnRejected
	// CodeConnLost 连接已断开
	CodeConnLost
	// CodeInvalidParam 选项值越界或非法
	CodeInvalidParam
	// CodeConnSock 操作不允许在已连接的套接字上执行
	CodeConnSock
	// CodeResource 引擎资源不足
	CodeResource
)

// SocketError 引擎返回的错误，Reason 为引擎的可读描述
type SocketError struct {
	Code   ErrorCode
	Reason string
}

// Error 实现 error 接口
func (e *SocketError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("srt error code %d", int(e.Code))
}

// NewError 构造一个引擎错误
func NewError(code ErrorCode, reason string) *SocketError {
	return &SocketError{Code: code, Reason: reason}
}

// CodeOf 提取错误中的引擎错误码，非引擎错误返回 CodeUnknown
func CodeOf(err error) ErrorCode {
	var se *SocketError
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeUnknown
}
