// Copyright 2025 James Ross
package obs

import (
	"os"
	"strings"
	"time"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap logger at the given level. When logFile is
// non-empty a second, rotating-file core is teed in alongside stdout via
// lumberjack, so an operator can keep JSON logs on disk without an external
// log shipper watching stdout.
func NewLogger(level, logFile string) (*zap.Logger, error) {
	lvl := parseLevel(level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stdout)), lvl),
	}
	if logFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), lvl))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Convenience typed fields, kept from the teacher's obs package verbatim —
// every background loop and store method logs through these.
func String(k, v string) zap.Field         { return zap.String(k, v) }
func Int(k string, v int) zap.Field        { return zap.Int(k, v) }
func Bool(k string, v bool) zap.Field      { return zap.Bool(k, v) }
func Err(err error) zap.Field              { return zap.Error(err) }
func Dur(k string, v time.Duration) zap.Field { return zap.Duration(k, v) }
