package logger

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

const (
	colorRed     = 31
	colorYellow  = 33
	colorBlue    = 34
	colorMagenta = 35
)

const unknownLevelColor = colorRed

var levelToCapitalColorString = map[zapcore.Level]string{
	zapcore.DebugLevel:  colorize(colorMagenta, zapcore.DebugLevel.CapitalString()),
	zapcore.InfoLevel:   colorize(colorBlue, zapcore.InfoLevel.CapitalString()),
	zapcore.WarnLevel:   colorize(colorYellow, zapcore.WarnLevel.CapitalString()),
	zapcore.ErrorLevel:  colorize(colorRed, zapcore.ErrorLevel.CapitalString()),
	zapcore.DPanicLevel: colorize(colorRed, zapcore.DPanicLevel.CapitalString()),
	zapcore.PanicLevel:  colorize(colorRed, zapcore.PanicLevel.CapitalString()),
	zapcore.FatalLevel:  colorize(colorRed, zapcore.FatalLevel.CapitalString()),
}

func colorize(color int, s string) string {
	return fmt.Sprintf("\x1b[%dm%s\x1b[0m", color, s)
}
