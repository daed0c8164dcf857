//
// Tencent is pleased to support the open source community by making trpc-flowfile-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flowfile-go is licensed under the Apache License Version 2.0.
//
//

package engine

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies that runs and subscriptions release their goroutines.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
