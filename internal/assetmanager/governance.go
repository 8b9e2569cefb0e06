package assetmanager

import (
	"fassets/internal/events"

	"go.uber.org/zap"
)

// Pause stops new collateral reservations and self-mints. Redemptions and
// everything already in flight continue.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		return
	}
	e.paused = true
	e.emitPause()
}

func (e *Engine) Unpause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminated {
		return ErrMintingTerminated
	}
	if !e.paused {
		return nil
	}
	e.paused = false
	e.emitPause()
	return nil
}

// Terminate permanently stops minting and redemption. It cannot be undone.
func (e *Engine) Terminate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminated {
		return
	}
	e.paused, e.terminated = true, true
	e.emitPause()
}

func (e *Engine) emitPause() {
	e.emit.Emit(events.PauseChanged{Paused: e.paused, Terminated: e.terminated})
	e.log.Warn("minting state changed", zap.Bool("paused", e.paused), zap.Bool("terminated", e.terminated))
}

func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

func (e *Engine) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminated
}
