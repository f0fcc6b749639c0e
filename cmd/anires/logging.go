package main

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/John-Robertt/anires/internal/config"
)

// 日志文件滚动参数（log.file 设置时生效）。
const (
	logMaxSizeMB  = 10
	logMaxBackups = 3
	logMaxAgeDays = 14
)

// newLogger 构造进程日志：人类可读的 ConsoleWriter 写 stderr；配置了 log.file 时
// 另写一份 JSON 行到滚动文件。返回的 Closer 负责关闭文件。
func newLogger(eff config.EffectiveConfig, stderr io.Writer, color bool) (zerolog.Logger, io.Closer, error) {
	console := zerolog.ConsoleWriter{
		Out:        stderr,
		TimeFormat: "15:04:05",
		NoColor:    !color,
	}
	if eff.LogFile == "" {
		return zerolog.New(console).Level(eff.LogLevel).With().Timestamp().Logger(), nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(eff.LogFile), 0o755); err != nil {
		return zerolog.Nop(), nil, err
	}
	file := &lumberjack.Logger{
		Filename:   eff.LogFile,
		MaxSize:    logMaxSizeMB,
		MaxBackups: logMaxBackups,
		MaxAge:     logMaxAgeDays,
		Compress:   true,
	}
	w := zerolog.MultiLevelWriter(console, file)
	return zerolog.New(w).Level(eff.LogLevel).With().Timestamp().Logger(), file, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
