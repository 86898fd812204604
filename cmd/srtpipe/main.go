package main

import (
	"bytes"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/qiminjie89/srtio/internal/session"
	"github.com/qiminjie89/srtio/pkg/config"
	"github.com/qiminjie89/srtio/pkg/logger"
	"github.com/qiminjie89/srtio/pkg/srt"
	"github.com/qiminjie89/srtio/pkg/srt/srttest"
	"go.uber.org/zap"
)

// srtpipe 回环冒烟工具：在进程内网络上打开一对
// listener/caller 会话，往返灌入数据并校验完整性。
func main() {
	configPath := flag.String("config", "configs/srtpipe.yaml", "config file path")
	addr := flag.String("addr", "127.0.0.1:9000", "loopback endpoint host:port")
	count := flag.Int("count", 1000, "messages to pump through the loopback")
	size := flag.Int("size", 1316, "message payload size in bytes")
	flag.Parse()

	cfg, err := config.LoadPipeConfig(*configPath)
	if err != nil {
		panic("load config failed: " + err.Error())
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}); err != nil {
		panic("init logger failed: " + err.Error())
	}
	defer logger.Sync()

	if cfg.Metrics.Enabled {
		go runMetricsServer(cfg.Metrics.Addr)
	}

	// Ctrl-C 通过取消谓词中止阻塞中的 open/read/write
	var interrupted atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn("interrupt received, aborting")
		interrupted.Store(true)
	}()

	network := srttest.NewNetwork()
	if err := run(network.API(), cfg, *addr, *count, *size, interrupted.Load); err != nil {
		logger.Error("loopback run failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("loopback run finished",
		zap.Int("messages", *count),
		zap.Int("payload_size", *size),
		zap.Int("live_sockets", network.LiveSockets()),
	)
}

func run(api srt.API, cfg *config.PipeConfig, addr string, count, size int, interrupted func() bool) error {
	opts := sessionOptions(&cfg.Session)

	echoErr := make(chan error, 1)
	go func() {
		echoErr <- runEcho(api, cfg, addr, count, interrupted)
	}()

	callerOpts := opts
	caller, err := session.Open(api, fmt.Sprintf("srt://%s?mode=caller", addr), session.Config{
		Options:     &callerOpts,
		Interrupt:   interrupted,
		PollQuantum: cfg.Session.PollQuantum,
	})
	if err != nil {
		return fmt.Errorf("open caller: %w", err)
	}
	defer caller.Close()

	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}
	echo := make([]byte, size)

	for i := 0; i < count; i++ {
		if _, err := caller.Write(payload); err != nil {
			return fmt.Errorf("write message %d: %w", i, err)
		}
		n, err := caller.Read(echo)
		if err != nil {
			return fmt.Errorf("read echo %d: %w", i, err)
		}
		if n != size || !bytes.Equal(echo[:n], payload) {
			return fmt.Errorf("echo mismatch on message %d: got %d bytes", i, n)
		}
	}

	return <-echoErr
}

// runEcho 监听端：接受一个对端，把收到的每条消息原样回写
func runEcho(api srt.API, cfg *config.PipeConfig, addr string, count int, interrupted func() bool) error {
	opts := sessionOptions(&cfg.Session)
	sess, err := session.Open(api, fmt.Sprintf("srt://%s?mode=listener", addr), session.Config{
		Options:     &opts,
		Interrupt:   interrupted,
		PollQuantum: cfg.Session.PollQuantum,
	})
	if err != nil {
		return fmt.Errorf("open listener: %w", err)
	}
	defer sess.Close()

	buf := make([]byte, 64*1024)
	for i := 0; i < count; i++ {
		n, err := sess.Read(buf)
		if err != nil {
			return fmt.Errorf("echo read %d: %w", i, err)
		}
		if _, err := sess.Write(buf[:n]); err != nil {
			return fmt.Errorf("echo write %d: %w", i, err)
		}
	}
	return nil
}

// sessionOptions 将 YAML 配置映射为会话选项，零值保持未设置
func sessionOptions(sc *config.SessionConfig) session.Options {
	opts := session.DefaultOptions()
	if sc.RWTimeout > 0 {
		opts.RWTimeout = sc.RWTimeout
	}
	if sc.ListenTimeout > 0 {
		opts.ListenTimeout = sc.ListenTimeout
	}
	if sc.ConnectTimeout > 0 {
		opts.ConnectTimeout = sc.ConnectTimeout
	}
	if sc.SendBufferSize > 0 {
		opts.SendBufferSize = int64(sc.SendBufferSize)
	}
	if sc.RecvBufferSize > 0 {
		opts.RecvBufferSize = int64(sc.RecvBufferSize)
	}
	if sc.Passphrase != "" {
		opts.Passphrase = sc.Passphrase
	}
	if sc.PBKeyLen > 0 {
		opts.PBKeyLen = int64(sc.PBKeyLen)
	}
	return opts
}

func runMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	logger.Info("starting metrics server", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server error", zap.Error(err))
	}
}
