// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package capture

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Sink receives finished trace records. Implementations must not retain the
// record after Emit returns unless they copy it.
type Sink interface {
	Emit(ctx context.Context, rec *Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec *Record) error

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, rec *Record) error {
	return f(ctx, rec)
}

// Discard drops every record.
var Discard Sink = SinkFunc(func(context.Context, *Record) error { return nil })

// LogSink writes records through a zap logger.
type LogSink struct {
	logger     *zap.Logger
	level      zapcore.Level
	withFrames bool
}

// NewLogSink creates a log sink. Stack frames are included when withFrames
// is set.
func NewLogSink(logger *zap.Logger, level zapcore.Level, withFrames bool) *LogSink {
	return &LogSink{logger: logger, level: level, withFrames: withFrames}
}

// Emit logs the record.
func (s *LogSink) Emit(_ context.Context, rec *Record) error {
	ce := s.logger.Check(s.level, rec.Message())
	if ce == nil {
		return nil
	}
	fields := []zap.Field{
		zap.String("api", rec.API),
		zap.Uint32("pid", rec.PID),
		zap.Uint32("tid", rec.TID),
		zap.String("caller", formatPC(rec.Caller)),
	}
	if s.withFrames {
		rec.Symbolize()
		fields = append(fields, zap.Strings("stack", rec.Frames))
	}
	ce.Write(fields...)
	return nil
}

// MultiSink fans a record out to several sinks. Every sink is tried; the
// errors are joined.
type MultiSink []Sink

// Emit forwards rec to each sink.
func (m MultiSink) Emit(ctx context.Context, rec *Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
