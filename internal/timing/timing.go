// Package timing keeps the two time sources apart: the mirror of the underlying
// chain head, advanced only by attested block proofs, and the native wall clock
// used for grace timers.
package timing

import (
	"sync"
	"time"

	"fassets/internal/attestation"
)

// Clock is the native chain clock.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ManualClock is advanced explicitly by tests.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// UnderlyingChain is the last known head of the underlying chain.
type UnderlyingChain struct {
	BlockNumber    uint64    `json:"blockNumber"`
	BlockTimestamp uint64    `json:"blockTimestamp"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Update advances the mirror from a confirmed block proof. The confirmations are
// projected forward: the head is at least blockNumber+confirmations and its
// timestamp is estimated with the average block time. Neither value moves back.
// It reports whether anything changed.
func (u *UnderlyingChain) Update(proof *attestation.ConfirmedBlockHeightExists, averageBlockTime time.Duration, now time.Time) bool {
	confirmations := proof.Response.NumberOfConfirmations
	number := proof.Request.BlockNumber + confirmations
	timestamp := proof.Response.BlockTimestamp + confirmations*uint64(averageBlockTime/time.Second)

	changed := false
	if number > u.BlockNumber {
		u.BlockNumber = number
		changed = true
	}
	if timestamp > u.BlockTimestamp {
		u.BlockTimestamp = timestamp
		changed = true
	}
	if changed {
		u.UpdatedAt = now
	}
	return changed
}

// PaymentWindow is the deadline pair for an underlying payment.
type PaymentWindow struct {
	FirstBlock    uint64 `json:"firstUnderlyingBlock"`
	LastBlock     uint64 `json:"lastUnderlyingBlock"`
	LastTimestamp uint64 `json:"lastUnderlyingTimestamp"`
}

// Window returns the payment window starting at the current head. The extra
// seconds shift the timestamp deadline and the block deadline proportionally.
func (u UnderlyingChain) Window(blocks, seconds uint64, averageBlockTime time.Duration, extraSeconds uint64) PaymentWindow {
	lastBlock := u.BlockNumber + blocks
	if extraSeconds > 0 && averageBlockTime >= time.Second {
		lastBlock += extraSeconds / uint64(averageBlockTime/time.Second)
	}
	return PaymentWindow{
		FirstBlock:    u.BlockNumber,
		LastBlock:     lastBlock,
		LastTimestamp: u.BlockTimestamp + seconds + extraSeconds,
	}
}

// Passed reports whether a block with the given number and timestamp is past
// both deadlines of the window.
func (w PaymentWindow) Passed(blockNumber, blockTimestamp uint64) bool {
	return blockNumber > w.LastBlock && blockTimestamp > w.LastTimestamp
}
