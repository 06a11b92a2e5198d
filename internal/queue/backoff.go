package queue

import (
	"math/rand"
	"time"
)

const (
	backoffBase = 5 * time.Second
	backoffCap  = 15 * time.Minute
)

type backoffState struct {
	attempts    int
	nextAttempt time.Time
}

// RecordFailure bumps the failure counter for a kind and schedules the
// next attempt at min(base * 2^attempts + jitter, 15m). Returns the
// scheduled time.
func (q *Queue) RecordFailure(kind Kind) time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := q.backoff[kind]
	if st == nil {
		st = &backoffState{}
		q.backoff[kind] = st
	}

	delay := backoffBase << uint(st.attempts)
	if delay > backoffCap || delay <= 0 {
		delay = backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(backoffBase)))
	if delay+jitter > backoffCap {
		delay = backoffCap
	} else {
		delay += jitter
	}

	st.attempts++
	st.nextAttempt = time.Now().Add(delay)
	return st.nextAttempt
}

// RecordSuccess clears the backoff state for a kind.
func (q *Queue) RecordSuccess(kind Kind) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.backoff, kind)
}

// Ready reports whether the kind's backoff window has elapsed.
func (q *Queue) Ready(kind Kind, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := q.backoff[kind]
	if st == nil {
		return true
	}
	return !now.Before(st.nextAttempt)
}

// Attempts returns the consecutive failure count for a kind.
func (q *Queue) Attempts(kind Kind) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := q.backoff[kind]
	if st == nil {
		return 0
	}
	return st.attempts
}
