// Copyright 2019 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	defaultLogMaxSize = 300 // 单位 MB
)

// FileLogConfig 为文件日志配置，留空 Filename 即关闭文件输出。
type FileLogConfig struct {
	RootPath   string `json:"rootpath" mapstructure:"rootpath"`
	Filename   string `json:"filename" mapstructure:"filename"`
	MaxSize    int    `json:"max-size" mapstructure:"max-size"`
	MaxDays    int    `json:"max-days" mapstructure:"max-days"`
	MaxBackups int    `json:"max-backups" mapstructure:"max-backups"`
}

// Config 为日志配置。
type Config struct {
	// Level 为日志级别，额外支持 trace（等同 debug）。
	Level string `json:"level" mapstructure:"level"`
	// Format 可选 json、text 或 console，默认 text。
	Format string `json:"format" mapstructure:"format"`
	// DisableTimestamp 关闭时间戳输出。
	DisableTimestamp bool `json:"disable-timestamp" mapstructure:"disable-timestamp"`
	// Stdout 是否输出到标准输出。
	Stdout bool          `json:"stdout" mapstructure:"stdout"`
	File   FileLogConfig `json:"file" mapstructure:"file"`
	// Development 为 true 时 DPanic 会直接 panic，并对 Warn 以上级别采集堆栈。
	Development       bool `json:"development" mapstructure:"development"`
	DisableCaller     bool `json:"disable-caller" mapstructure:"disable-caller"`
	DisableStacktrace bool `json:"disable-stacktrace" mapstructure:"disable-stacktrace"`
	// DisableErrorVerbose 关闭 error 字段的 errorVerbose 详情（cockroachdb/errors 的堆栈）。
	DisableErrorVerbose bool `json:"disable-error-verbose" mapstructure:"disable-error-verbose"`
	// Sampling 为每秒采样配置，语义同 zapcore.NewSampler。
	Sampling *zap.SamplingConfig `json:"sampling" mapstructure:"sampling"`
}

// ZapProperties 记录 zap 日志相关的核心信息。
type ZapProperties struct {
	Core   zapcore.Core
	Syncer zapcore.WriteSyncer
	Level  zap.AtomicLevel
}

func (cfg *Config) encoderConfig() zapcore.EncoderConfig {
	ec := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "name",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05.000 -07:00"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if cfg.DisableTimestamp {
		ec.TimeKey = ""
	}
	return ec
}

// newEncoder 按 Format 选择编码器，未识别的格式按 text 处理。
func (cfg *Config) newEncoder() zapcore.Encoder {
	ec := cfg.encoderConfig()
	switch strings.ToLower(cfg.Format) {
	case "json":
		return zapcore.NewJSONEncoder(ec)
	case "console":
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	default:
		ec.ConsoleSeparator = " "
		return zapcore.NewConsoleEncoder(ec)
	}
}

func (cfg *Config) buildOptions(errSink zapcore.WriteSyncer) []zap.Option {
	opts := []zap.Option{zap.ErrorOutput(errSink)}

	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	if !cfg.DisableCaller {
		opts = append(opts, zap.AddCaller())
	}

	stackLevel := zap.ErrorLevel
	if cfg.Development {
		stackLevel = zap.WarnLevel
	}
	if !cfg.DisableStacktrace {
		opts = append(opts, zap.AddStacktrace(stackLevel))
	}

	if cfg.Sampling != nil {
		opts = append(opts, zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewSamplerWithOptions(core, time.Second, cfg.Sampling.Initial, cfg.Sampling.Thereafter, zapcore.SamplerHook(cfg.Sampling.Hook))
		}))
	}
	return opts
}
