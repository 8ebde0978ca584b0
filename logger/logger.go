package logger

import (
	"eth-indexer/config"
	"io"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	sugar atomic.Pointer[zap.SugaredLogger]
)

const timeFormat = "[01-02|15:04:05.000]"

func init() {
	sugar.Store(createSugaredLogger(DefaultLoggerConfig()))

	config.GlobalConfigCallback.AddCallback(func(config config.GlobalConfig) {
		sugar.Store(createSugaredLogger(config.LoggerConfig()))
	})
}

func createSugaredLogger(config config.LoggerConfig) *zap.SugaredLogger {
	atom := zap.NewAtomicLevel()

	var cores []zapcore.Core
	if config.Console {
		cores = append(cores, createConsoleLoggerCore(atom))
	}

	if len(config.File) > 0 {
		cores = append(cores, createFileLoggerCore(config, atom))
	}

	core := zapcore.NewTee(cores...)

	logger := zap.New(
		core,
		zap.AddStacktrace(zap.ErrorLevel),
		zap.AddCaller(),
		zap.AddCallerSkip(1),
	)

	sug := logger.Sugar()

	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		sug.Errorf("Wrong level %s, falling back to %s", config.Level, zapcore.InfoLevel)
		level = zapcore.InfoLevel
	}

	atom.SetLevel(level)
	sug.Debugf("Set log level to %s", level)

	return sug
}

func SyncFileLogger() {
	s := sugar.Load()
	err := s.Sync()
	if err != nil {
		s.Debugf("Failed to sync logger: %v", err)
	}
}

// createFileLoggerCore writes to a size rotated file. Rotated files are
// compressed; MaxFileBackups of zero keeps all of them.
func createFileLoggerCore(config config.LoggerConfig, atom zap.AtomicLevel) zapcore.Core {
	w := zapcore.AddSync(&lumberjack.Logger{
		Filename:   config.File,
		MaxSize:    config.MaxFileSize,
		MaxBackups: config.MaxFileBackups,
		Compress:   true,
	})

	encoderCfg := zap.NewProductionEncoderConfig()
	var encoder zapcore.Encoder
	if config.FileFormat == "json" {
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoderCfg.EncodeLevel = fileLevelEncoder
		encoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout(timeFormat)
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	return zapcore.NewCore(encoder, w, atom)
}

// stdout is not a file that can be fsynced on every platform.
type noSyncWriterWrapper struct {
	io.Writer
}

func (n noSyncWriterWrapper) Sync() error {
	return nil
}

func createConsoleLoggerCore(atom zap.AtomicLevel) zapcore.Core {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeLevel = consoleColorLevelEncoder
	encoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout(timeFormat)

	return zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		noSyncWriterWrapper{os.Stdout},
		atom,
	)
}

func consoleColorLevelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	s, ok := levelToCapitalColorString[l]
	if !ok {
		s = colorize(unknownLevelColor, l.CapitalString())
	}

	enc.AppendString(s)
}

func fileLevelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(l.CapitalString())
}

func DefaultLoggerConfig() config.LoggerConfig {
	return config.LoggerConfig{
		Level:   "DEBUG",
		Console: true,
	}
}

func Warn(msg string, args ...interface{}) {
	sugar.Load().Warnf(msg, args...)
}

func Error(msg string, args ...interface{}) {
	sugar.Load().Errorf(msg, args...)
}

func Info(msg string, args ...interface{}) {
	sugar.Load().Infof(msg, args...)
}

func Debug(msg string, args ...interface{}) {
	sugar.Load().Debugf(msg, args...)
}

func Fatal(msg string, args ...interface{}) {
	SyncFileLogger()
	sugar.Load().Fatalf(msg, args...)
}
