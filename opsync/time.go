// Copyright 2025 LucccaHosp Contributors
// SPDX-License-Identifier: Apache-2.0

package opsync

import "time"

// nowMillis returns the current wall clock as unix milliseconds, the
// timestamp unit used across the sync wire protocol.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
