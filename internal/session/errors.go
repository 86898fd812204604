// Package session 实现 SRT 流式会话：地址解析、三种建连拓扑、
// 选项分阶段下发，以及所有阻塞操作共用的超时/取消等待环路。
package session

import "errors"

// 错误分类。调用方用 errors.Is 区分处理策略：
// 配置/解析错误立即失败；建连错误在候选地址间重试；
// 超时与取消是独立于一般 I/O 失败的终止条件。
var (
	// ErrConfiguration 配置错误（scheme、端口、mode 取值非法）
	ErrConfiguration = errors.New("srtio: invalid configuration")

	// ErrResolution 名字解析失败
	ErrResolution = errors.New("srtio: address resolution failed")

	// ErrSetup 建连失败（选项被拒、bind/listen/connect/accept 出错）
	ErrSetup = errors.New("srtio: connection setup failed")

	// ErrDeadlineExceeded 等待就绪超过调用方给定的截止时间
	ErrDeadlineExceeded = errors.New("srtio: deadline exceeded")

	// ErrInterrupted 调用方通过取消谓词中止了阻塞操作
	ErrInterrupted = errors.New("srtio: interrupted by caller")

	// ErrAgain 非阻塞模式下暂无数据或缓冲，稍后重试
	ErrAgain = errors.New("srtio: resource temporarily unavailable")
)

// failureClass 返回错误的分类名，用于监控指标
func failureClass(err error) string {
	switch {
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrResolution):
		return "resolution"
	case errors.Is(err, ErrDeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrInterrupted):
		return "interrupted"
	case errors.Is(err, ErrSetup):
		return "setup"
	default:
		return "io"
	}
}
