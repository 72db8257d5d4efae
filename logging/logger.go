// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging wraps go.uber.org/zap the way Caddy's logging.go wraps
// it: a single structured logger constructed once at startup and passed
// by reference into every component, rather than a package-level global
// mutated at runtime.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a thin, structured front-end over *zap.Logger. It is safe
// for concurrent use by multiple connection-handling goroutines, which
// is the only concurrency guarantee the proxy's shared resources need
// from their logging sink.
type Logger struct {
	z     *zap.Logger
	trace bool
}

// Config controls how a Logger writes.
type Config struct {
	// Path is a file path, "stdout", "stderr", or "" (or "none") for stderr.
	Path string
	// Tee also writes to stdout when Path is a file.
	Tee bool
	// Verbose selects console (human-friendly) encoding; otherwise JSON.
	Verbose bool
	// Trace enables Trace-level output (a tagged Debug call).
	Trace bool
}

// New builds a Logger from cfg. It never returns an error for a bad path;
// like the rest of this proxy's error handling, a sink that can't be
// opened falls back to stderr and logs the failure once, rather than
// aborting startup over a logging misconfiguration.
func New(cfg Config) *Logger {
	var sinks []zapcore.WriteSyncer
	var openErr error

	switch cfg.Path {
	case "", "none":
		sinks = append(sinks, zapcore.AddSync(os.Stderr))
	case "stdout":
		sinks = append(sinks, zapcore.AddSync(os.Stdout))
	case "stderr":
		sinks = append(sinks, zapcore.AddSync(os.Stderr))
	default:
		f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			openErr = err
			sinks = append(sinks, zapcore.AddSync(os.Stderr))
		} else {
			sinks = append(sinks, zapcore.AddSync(f))
			if cfg.Tee {
				sinks = append(sinks, zapcore.AddSync(os.Stdout))
			}
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Verbose {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	level := zapcore.InfoLevel
	if cfg.Trace || cfg.Verbose {
		level = zapcore.DebugLevel
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), level)
	l := &Logger{z: zap.New(core), trace: cfg.Trace}
	if openErr != nil {
		l.Error("could not open log file, logging to stderr instead", zap.String("path", cfg.Path), zap.Error(openErr))
	}
	return l
}

// Discard returns a Logger that writes nothing, for tests that don't
// care about log output.
func Discard() *Logger {
	return &Logger{z: zap.NewNop()}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }

// Info logs at info level.
func (l *Logger) Info(msg string, fields ...zap.Field) { l.z.Info(msg, fields...) }

// Warn logs at warn level.
func (l *Logger) Warn(msg string, fields ...zap.Field) { l.z.Warn(msg, fields...) }

// Error logs at error level.
func (l *Logger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }

// Fatal logs at fatal level and then exits the process, matching the
// reference implementation's logger.fatal (a user-visible fatal
// condition during startup, not a per-request error).
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.z.Fatal(msg, fields...) }

// Trace logs at debug level tagged as a trace event. It is a no-op
// unless the logger was built with Config.Trace set, matching the
// reference implementation's "trace" verbosity tier sitting below debug.
func (l *Logger) Trace(msg string, fields ...zap.Field) {
	if !l.trace {
		return
	}
	l.z.Debug(msg, append(fields, zap.Bool("trace", true))...)
}

// With returns a Logger that always includes the given fields, the way
// a per-transaction logger is derived to attach a correlation ID.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{z: l.z.With(fields...), trace: l.trace}
}

// Sync flushes any buffered log entries, to be called once at shutdown.
func (l *Logger) Sync() error {
	return l.z.Sync()
}
