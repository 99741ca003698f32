// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annolite

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// backoffPolicy builds capped exponential backoff with jitter.
type backoffPolicy struct {
	min    time.Duration
	max    time.Duration
	jitter uint64 // percent
}

func (p backoffPolicy) newBackoff() retry.Backoff {
	b := retry.NewExponential(p.min)
	if p.jitter > 0 {
		b = retry.WithJitterPercent(p.jitter, b)
	}
	return retry.WithCappedDuration(p.max, b)
}

// delay returns the wait before the given attempt (1-based).
func (p backoffPolicy) delay(attempt int) time.Duration {
	b := p.newBackoff()
	d := p.min
	for i := 0; i < attempt; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}
