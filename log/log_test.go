//
// Tencent is pleased to support the open source community by making trpc-flowfile-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flowfile-go is licensed under the Apache License Version 2.0.
//
//

package log_test

import (
	"testing"

	"trpc.group/trpc-go/trpc-flowfile-go/log"
)

func TestLog(t *testing.T) {
	original := log.Default
	defer func() {
		log.Default = original
	}()

	logger := &countLogger{}
	log.Default = logger
	log.Debug("test")
	log.Debugf("test")
	log.Info("test")
	log.Infof("test")
	log.Warn("test")
	log.Warnf("test")
	log.Error("test")
	log.Errorf("test")
	log.Fatal("test")
	log.Fatalf("test")

	if logger.calls != 10 {
		t.Fatalf("expected 10 delegated calls, got %d", logger.calls)
	}
}

type countLogger struct {
	calls int
}

func (l *countLogger) Debug(args ...any)                 { l.calls++ }
func (l *countLogger) Debugf(format string, args ...any) { l.calls++ }
func (l *countLogger) Info(args ...any)                  { l.calls++ }
func (l *countLogger) Infof(format string, args ...any)  { l.calls++ }
func (l *countLogger) Warn(args ...any)                  { l.calls++ }
func (l *countLogger) Warnf(format string, args ...any)  { l.calls++ }
func (l *countLogger) Error(args ...any)                 { l.calls++ }
func (l *countLogger) Errorf(format string, args ...any) { l.calls++ }
func (l *countLogger) Fatal(args ...any)                 { l.calls++ }
func (l *countLogger) Fatalf(format string, args ...any) { l.calls++ }
