// SPDX-License-Identifier: Apache-2.0

package commitloop

import (
	"math/rand"
	"time"
)

// nextFire returns the first scheduled tick at or after now, where the
// schedule is floor(t/interval)+offset for every integer t.
func nextFire(now time.Time, interval, offset time.Duration) time.Time {
	n := now.Unix()
	iv := int64(interval.Seconds())
	if iv <= 0 {
		iv = 1
	}
	off := int64(offset.Seconds())

	floor := (n / iv) * iv
	if n < 0 && n%iv != 0 {
		floor -= iv
	}
	fire := floor + off
	if fire < n {
		fire += iv
	}
	return time.Unix(fire, 0).UTC()
}

// chooseOffset picks a random offset in [0.05*interval, 0.95*interval) once
// at startup, when no explicit offset was configured.
func chooseOffset(interval time.Duration) time.Duration {
	lo := float64(interval) * 0.05
	hi := float64(interval) * 0.95
	return time.Duration(lo + rand.Float64()*(hi-lo)) //nolint:gosec // scheduling jitter, not a security boundary
}
