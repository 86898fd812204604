// Package srttest 提供 pkg/srt 引擎边界的进程内实现，
// 供单元测试和回环工具使用：具名监听、backlog 限制、异步连接、
// 选项取值校验和资源计数。不做任何真实网络 I/O。
package srttest

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/qiminjie89/srtio/pkg/srt"
)

// Network 一张进程内虚拟网络。所有套接字共享一把锁，
// 以地址字符串互相寻址。
type Network struct {
	mu         sync.Mutex
	listeners  map[string]*socket   // 监听地址 → 监听套接字
	pending    map[string][]*socket // 目标地址 → 等待监听者出现的连接方
	rendezvous map[string]*socket   // 本端绑定地址 → 等待配对的汇合套接字
	refused    map[string]bool      // 主动拒绝连接的地址
	startups   int
	sockets    int
	pollers    int
}

// NewNetwork 创建一张空网络
func NewNetwork() *Network {
	return &Network{
		listeners:  make(map[string]*socket),
		pending:    make(map[string][]*socket),
		rendezvous: make(map[string]*socket),
		refused:    make(map[string]bool),
	}
}

// API 返回该网络的引擎入口
func (n *Network) API() srt.API {
	return &api{n: n}
}

// Refuse 标记一个地址拒绝连接：握手等待会立即就绪，
// 随后 LastError 报告连接被拒
func (n *Network) Refuse(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.refused[addr] = true
}

// StartupCount 返回 Startup 与 Cleanup 的差值
func (n *Network) StartupCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.startups
}

// LiveSockets 返回存活套接字数
func (n *Network) LiveSockets() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sockets
}

// LivePollers 返回存活通知上下文数
func (n *Network) LivePollers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pollers
}

type api struct {
	n *Network
}

func (a *api) Startup() error {
	a.n.mu.Lock()
	defer a.n.mu.Unlock()
	a.n.startups++
	return nil
}

func (a *api) Cleanup() error {
	a.n.mu.Lock()
	defer a.n.mu.Unlock()
	a.n.startups--
	return nil
}

func (a *api) NewSocket() (srt.Socket, error) {
	a.n.mu.Lock()
	defer a.n.mu.Unlock()
	a.n.sockets++
	return newSocket(a.n), nil
}

func (a *api) NewPoller() (srt.Poller, error) {
	a.n.mu.Lock()
	defer a.n.mu.Unlock()
	a.n.pollers++
	return &poller{n: a.n}, nil
}

// 套接字状态
const (
	stateIdle = iota
	stateBound
	stateListening
	stateConnecting
	stateConnected
	stateBroken // 握手失败，等待 LastError 收割
	stateClosed
)

type socket struct {
	n      *Network
	signal chan struct{}

	state      int
	bound      *net.UDPAddr
	target     *net.UDPAddr // 汇合模式的对端地址
	peer       *socket
	peerClosed bool
	recvQ      [][]byte
	backlog    []*socket
	backlogCap int
	connErr    error

	intOpts    map[srt.SockOpt]int64
	passphrase string
	rendezvous bool
	reuseAddr  bool
	sndSyn     bool
	rcvSyn     bool
}

func newSocket(n *Network) *socket {
	return &socket{
		n:       n,
		signal:  make(chan struct{}, 1),
		intOpts: make(map[srt.SockOpt]int64),
		sndSyn:  true,
		rcvSyn:  true,
	}
}

func (s *socket) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// ready 判断某方向是否就绪。监听套接字的接受就绪在两个方向
// 都上报（适配层用写就绪等待 accept）。
func (s *socket) ready(dir srt.Direction) bool {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	switch s.state {
	case stateListening:
		return len(s.backlog) > 0
	case stateBroken:
		return true
	case stateConnected:
		if dir == srt.DirRead {
			return len(s.recvQ) > 0 || s.peerClosed
		}
		return true
	default:
		return false
	}
}

func (s *socket) Bind(addr *net.UDPAddr) error {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	if s.state != stateIdle {
		return srt.NewError(srt.CodeInvalidParam, "socket is already bound or connected")
	}
	s.bound = addr
	s.state = stateBound
	return nil
}

func (s *socket) Listen(backlog int) error {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	if s.state != stateBound {
		return srt.NewError(srt.CodeInvalidParam, "socket is not bound")
	}
	key := s.bound.String()
	if other, ok := s.n.listeners[key]; ok && other != s && !s.reuseAddr {
		return srt.NewError(srt.CodeResource, fmt.Sprintf("address %s already in use", key))
	}
	s.n.listeners[key] = s
	s.backlogCap = backlog
	s.state = stateListening

	// 收编已在此地址上挂起的连接方（对端先于监听者发起握手）
	for target, callers := range s.n.pending {
		if !s.accepts(target) {
			continue
		}
		remain := callers[:0]
		for _, c := range callers {
			if len(s.backlog) < s.backlogCap {
				completeConnect(s, c)
			} else {
				remain = append(remain, c)
			}
		}
		if len(remain) == 0 {
			delete(s.n.pending, target)
		} else {
			s.n.pending[target] = remain
		}
	}
	return nil
}

// accepts 判断监听者是否服务该目标地址，包括通配绑定。
// 调用时必须持有锁。
func (s *socket) accepts(target string) bool {
	if s.bound.String() == target {
		return true
	}
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return false
	}
	return s.bound.IP.IsUnspecified() && s.bound.Port == addr.Port
}

// completeConnect 完成 caller 与监听者之间的握手，
// 生成服务端套接字并放入 backlog。调用时必须持有锁。
func completeConnect(lst, caller *socket) {
	remote := newSocket(lst.n)
	lst.n.sockets++
	remote.state = stateConnected
	remote.peer = caller
	caller.peer = remote
	caller.state = stateConnected
	lst.backlog = append(lst.backlog, remote)
	lst.notify()
	caller.notify()
}

// Accept 取出一个已完成握手的连接。本实现是单次接受模型：
// 接受成功后监听套接字由引擎回收，所有权随返回的对端移交。
func (s *socket) Accept() (srt.Socket, error) {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	if s.state != stateListening {
		return nil, srt.NewError(srt.CodeInvalidParam, "socket is not listening")
	}
	if len(s.backlog) == 0 {
		return nil, srt.NewError(srt.CodeAsyncRecv, "no pending connections")
	}
	peer := s.backlog[0]
	s.backlog = s.backlog[1:]

	delete(s.n.listeners, s.bound.String())
	s.state = stateClosed
	s.n.sockets--
	return peer, nil
}

// Connect 发起连接。非阻塞模式统一以 CodeConnInProgress 返回，
// 让调用方走写就绪等待 + LastError 的判定路径。
func (s *socket) Connect(addr *net.UDPAddr) error {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()

	switch s.state {
	case stateIdle, stateBound:
	default:
		return srt.NewError(srt.CodeInvalidParam, "socket is already connected or closed")
	}

	key := addr.String()
	if s.n.refused[key] {
		s.state = stateBroken
		s.connErr = srt.NewError(srt.CodeConnRejected, fmt.Sprintf("connection to %s rejected", key))
		s.notify()
		return s.inProgress()
	}

	if s.rendezvous {
		return s.connectRendezvous(addr)
	}

	lst := s.n.findListener(addr)
	if lst == nil {
		// 监听者尚未出现：挂起等待，或由调用方的截止时间收场
		s.state = stateConnecting
		s.n.pending[key] = append(s.n.pending[key], s)
		return s.inProgress()
	}

	if len(lst.backlog) >= lst.backlogCap {
		s.state = stateBroken
		s.connErr = srt.NewError(srt.CodeConnRejected, fmt.Sprintf("listener backlog full at %s", key))
		s.notify()
		return s.inProgress()
	}

	completeConnect(lst, s)
	return s.inProgress()
}

// connectRendezvous 双方各自 bind 后互相 connect，
// 先到的一方挂起，后到的一方完成配对。
func (s *socket) connectRendezvous(addr *net.UDPAddr) error {
	if s.bound == nil {
		return srt.NewError(srt.CodeInvalidParam, "rendezvous socket must be bound first")
	}
	s.target = addr
	if c := s.n.rendezvous[addr.String()]; c != nil && c.target.String() == s.bound.String() {
		delete(s.n.rendezvous, addr.String())
		c.peer = s
		s.peer = c
		c.state = stateConnected
		s.state = stateConnected
		c.notify()
		s.notify()
		return s.inProgress()
	}
	s.n.rendezvous[s.bound.String()] = s
	s.state = stateConnecting
	return s.inProgress()
}

// inProgress 按阻塞语义返回连接发起的结果，调用时必须持有锁
func (s *socket) inProgress() error {
	if s.sndSyn && s.state == stateConnected {
		return nil
	}
	if s.sndSyn {
		// 阻塞语义下本实现不支持挂起等待，按引擎超时上报
		return srt.NewError(srt.CodeTimeout, "connection timed out")
	}
	return srt.NewError(srt.CodeConnInProgress, "connection in progress")
}

func (s *socket) Send(p []byte) (int, error) {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	if s.state != stateConnected {
		return 0, srt.NewError(srt.CodeConnLost, "socket is not connected")
	}
	if s.peerClosed {
		return 0, srt.NewError(srt.CodeConnLost, "connection was lost")
	}
	msg := make([]byte, len(p))
	copy(msg, p)
	s.peer.recvQ = append(s.peer.recvQ, msg)
	s.peer.notify()
	return len(p), nil
}

func (s *socket) Recv(p []byte) (int, error) {
	for {
		s.n.mu.Lock()
		if s.state != stateConnected {
			s.n.mu.Unlock()
			return 0, srt.NewError(srt.CodeConnLost, "socket is not connected")
		}
		if len(s.recvQ) > 0 {
			msg := s.recvQ[0]
			s.recvQ = s.recvQ[1:]
			n := copy(p, msg)
			s.n.mu.Unlock()
			return n, nil
		}
		if s.peerClosed {
			s.n.mu.Unlock()
			return 0, srt.NewError(srt.CodeConnLost, "connection was lost")
		}
		if !s.rcvSyn {
			s.n.mu.Unlock()
			return 0, srt.NewError(srt.CodeAsyncRecv, "non-blocking socket has no data")
		}
		s.n.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
}

// preOnlyOpts 只能在连接前设置的选项
var preOnlyOpts = map[srt.SockOpt]bool{
	srt.OptRendezvous:  true,
	srt.OptMaxBW:       true,
	srt.OptPBKeyLen:    true,
	srt.OptPassphrase:  true,
	srt.OptMSS:         true,
	srt.OptFC:          true,
	srt.OptIPTTL:       true,
	srt.OptIPTOS:       true,
	srt.OptTSBPDDelay:  true,
	srt.OptTLPktDrop:   true,
	srt.OptNAKReport:   true,
	srt.OptConnTimeout: true,
	srt.OptReuseAddr:   true,
	srt.OptUDPSndBuf:   true,
	srt.OptUDPRcvBuf:   true,
}

func (s *socket) checkPhase(opt srt.SockOpt) error {
	if preOnlyOpts[opt] && (s.state == stateConnected || s.state == stateListening) {
		return srt.NewError(srt.CodeConnSock, fmt.Sprintf("option %s cannot be set after connect", opt))
	}
	return nil
}

func (s *socket) SetIntOption(opt srt.SockOpt, v int64) error {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	if err := s.checkPhase(opt); err != nil {
		return err
	}
	if err := validateIntOption(opt, v); err != nil {
		return err
	}
	s.intOpts[opt] = v
	return nil
}

func validateIntOption(opt srt.SockOpt, v int64) error {
	ok := true
	switch opt {
	case srt.OptPBKeyLen:
		ok = v == 0 || v == 16 || v == 24 || v == 32
	case srt.OptOheadBW:
		ok = v >= 0 && v <= 100
	case srt.OptTLPktDrop, srt.OptNAKReport:
		ok = v == 0 || v == 1
	case srt.OptMSS:
		ok = v >= 76 && v <= 1500
	case srt.OptIPTTL:
		ok = v >= 1 && v <= 255
	case srt.OptIPTOS:
		ok = v >= 0 && v <= 255
	case srt.OptMaxBW, srt.OptInputBW, srt.OptFC, srt.OptTSBPDDelay,
		srt.OptConnTimeout, srt.OptUDPSndBuf, srt.OptUDPRcvBuf:
		ok = v >= 0
	default:
		return srt.NewError(srt.CodeInvalidParam, fmt.Sprintf("option %s is not an integer option", opt))
	}
	if !ok {
		return srt.NewError(srt.CodeInvalidParam, fmt.Sprintf("option %s value %d out of range", opt, v))
	}
	return nil
}

func (s *socket) SetStrOption(opt srt.SockOpt, v string) error {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	if err := s.checkPhase(opt); err != nil {
		return err
	}
	if opt != srt.OptPassphrase {
		return srt.NewError(srt.CodeInvalidParam, fmt.Sprintf("option %s is not a string option", opt))
	}
	if l := len(v); l != 0 && (l < 10 || l > 64) {
		return srt.NewError(srt.CodeInvalidParam, "passphrase length must be 0 or within [10,64]")
	}
	s.passphrase = v
	return nil
}

func (s *socket) SetBoolOption(opt srt.SockOpt, v bool) error {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	switch opt {
	case srt.OptRendezvous:
		if err := s.checkPhase(opt); err != nil {
			return err
		}
		s.rendezvous = v
	case srt.OptReuseAddr:
		s.reuseAddr = v
	case srt.OptSendSyn:
		s.sndSyn = v
	case srt.OptRecvSyn:
		s.rcvSyn = v
	default:
		return srt.NewError(srt.CodeInvalidParam, fmt.Sprintf("option %s is not a boolean option", opt))
	}
	return nil
}

// LastError 返回并清除最近一次异步操作的结果
func (s *socket) LastError() error {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	err := s.connErr
	s.connErr = nil
	return err
}

func (s *socket) Close() error {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	if s.state == stateClosed {
		return nil
	}
	if s.state == stateListening {
		delete(s.n.listeners, s.bound.String())
	}
	if s.state == stateConnecting {
		for target, callers := range s.n.pending {
			remain := callers[:0]
			for _, c := range callers {
				if c != s {
					remain = append(remain, c)
				}
			}
			if len(remain) == 0 {
				delete(s.n.pending, target)
			} else {
				s.n.pending[target] = remain
			}
		}
	}
	if s.bound != nil {
		if c := s.n.rendezvous[s.bound.String()]; c == s {
			delete(s.n.rendezvous, s.bound.String())
		}
	}
	if s.peer != nil {
		s.peer.peerClosed = true
		s.peer.notify()
	}
	s.state = stateClosed
	s.n.sockets--
	return nil
}

// findListener 查找地址上的监听者，包括绑定通配地址的监听者。
// 调用时必须持有锁。
func (n *Network) findListener(addr *net.UDPAddr) *socket {
	if l := n.listeners[addr.String()]; l != nil {
		return l
	}
	wildcard := net.UDPAddr{IP: net.IPv4zero, Port: addr.Port}
	return n.listeners[wildcard.String()]
}

// poller 单套接字的就绪通知上下文。注册与注销必须成对，
// 同一时刻只允许一个注册。
type poller struct {
	n        *Network
	mu       sync.Mutex
	sock     *socket
	dir      srt.Direction
	released bool
}

func (p *poller) Register(s srt.Socket, dir srt.Direction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return srt.NewError(srt.CodeResource, "poller already released")
	}
	if p.sock != nil {
		return srt.NewError(srt.CodeResource, "poller already has a registered socket")
	}
	sock, ok := s.(*socket)
	if !ok {
		return srt.NewError(srt.CodeInvalidParam, "socket does not belong to this network")
	}
	p.sock = sock
	p.dir = dir
	return nil
}

func (p *poller) Unregister(s srt.Socket) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sock == nil || srt.Socket(p.sock) != s {
		return srt.NewError(srt.CodeInvalidParam, "socket is not registered")
	}
	p.sock = nil
	return nil
}

func (p *poller) Wait(timeout time.Duration) (bool, error) {
	p.mu.Lock()
	sock, dir := p.sock, p.dir
	released := p.released
	p.mu.Unlock()
	if released {
		return false, srt.NewError(srt.CodeResource, "poller already released")
	}
	if sock == nil {
		return false, srt.NewError(srt.CodeInvalidParam, "no socket registered")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if sock.ready(dir) {
			return true, nil
		}
		select {
		case <-sock.signal:
		case <-timer.C:
			return sock.ready(dir), nil
		}
	}
}

func (p *poller) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil
	}
	p.released = true
	p.n.mu.Lock()
	p.n.pollers--
	p.n.mu.Unlock()
	return nil
}
