// Package config 提供配置加载功能
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PipeConfig srtpipe 工具配置
type PipeConfig struct {
	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// SessionConfig 会话默认参数，零值表示使用引擎默认
type SessionConfig struct {
	RWTimeout      time.Duration `yaml:"rw_timeout"`
	ListenTimeout  time.Duration `yaml:"listen_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PollQuantum    time.Duration `yaml:"poll_quantum"`
	SendBufferSize int           `yaml:"send_buffer_size"`
	RecvBufferSize int           `yaml:"recv_buffer_size"`
	Passphrase     string        `yaml:"passphrase"`
	PBKeyLen       int           `yaml:"pbkeylen"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoadPipeConfig 加载 srtpipe 配置
func LoadPipeConfig(path string) (*PipeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg PipeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
