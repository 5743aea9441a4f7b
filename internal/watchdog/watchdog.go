// Package watchdog runs the credential reconciliation loop: it re-emits lost
// keys, rotates keys near expiry with a short grace overlap, and retires keys
// of accounts flagged as consumed.
//
// One pass runs per tick and finishes before the next is scheduled; there is
// no concurrency inside a pass. Accounts are isolated from each other — one
// account's failure is logged and the pass moves on.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"robogate/internal/config"
	"robogate/internal/kvstore"
	"robogate/internal/payload"
	"robogate/internal/token"
	"robogate/pkg/types"
)

// Event types published on the Events channel.
const (
	EventEmitted = "emitted" // fresh credential minted for a keyless account
	EventRotated = "rotated" // near-expiry credential replaced
	EventCleaned = "cleaned" // consumed account's stale credential removed
)

// Event is a credential lifecycle notification, consumed by the API stream.
type Event struct {
	Type     string    `json:"type"`
	Conta    int64     `json:"conta"`
	OldKey   string    `json:"old_key,omitempty"`
	NewKey   string    `json:"new_key,omitempty"`
	OldTTLMS int64     `json:"old_ttl_ms,omitempty"`
	At       time.Time `json:"at"`
}

// Repository is the slice of the relational contract the watchdog uses.
type Repository interface {
	ActiveTokenAccounts(ctx context.Context, limit int) ([]types.ActiveTokenAccount, error)
	ConsumedTokenAccounts(ctx context.Context, limit int) ([]types.ConsumedTokenAccount, error)
	SetAccountTokenKey(ctx context.Context, idConta int64, key string) error
	Log(ctx context.Context, level, message string, fields map[string]any)
}

// Watchdog owns the reconciliation loop. Construct once, run in its own
// goroutine.
type Watchdog struct {
	repo   Repository
	store  kvstore.Store
	minter *token.Minter
	cfg    config.WatchdogConfig
	ttl    time.Duration
	events chan Event
	logger *slog.Logger
}

// New creates a watchdog. ttl is the lifetime applied to freshly written
// credentials.
func New(repo Repository, store kvstore.Store, minter *token.Minter, cfg config.WatchdogConfig, ttl time.Duration, logger *slog.Logger) *Watchdog {
	return &Watchdog{
		repo:   repo,
		store:  store,
		minter: minter,
		cfg:    cfg,
		ttl:    ttl,
		events: make(chan Event, 64),
		logger: logger.With("component", "watchdog"),
	}
}

// Events exposes the lifecycle notification stream. Delivery is best-effort:
// when no consumer keeps up, the oldest buffered event is dropped.
func (w *Watchdog) Events() <-chan Event {
	return w.events
}

// Run loops until ctx is cancelled. The first pass is delayed by one interval
// so the host finishes initialization first. A cancellation observed mid-pass
// lets the in-flight account finish; every step is idempotent.
func (w *Watchdog) Run(ctx context.Context) {
	w.logger.Info("watchdog started",
		"interval", w.cfg.Interval,
		"rotate_threshold", w.cfg.RotateThreshold,
		"grace", w.cfg.Grace)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopped")
			return
		case <-ticker.C:
			w.runPass(ctx)
		}
	}
}

// runPass executes one reconciliation pass. Top-level faults are contained
// here so the ticker always schedules the next pass.
func (w *Watchdog) runPass(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("watchdog pass panic", "panic", rec)
			w.repo.Log(ctx, "token_watchdog_erro", fmt.Sprintf("passagem falhou: %v", rec), nil)
		}
	}()

	w.cleanConsumed(ctx)
	w.reconcileActive(ctx)
}

// cleanConsumed is phase A: drop the credential of every account flagged as
// consumed that still carries one.
func (w *Watchdog) cleanConsumed(ctx context.Context) {
	accounts, err := w.repo.ConsumedTokenAccounts(ctx, w.cfg.ConsumedScanLimit)
	if err != nil {
		w.logger.Error("consumed scan failed", "error", err)
		w.repo.Log(ctx, "token_watchdog_erro", "varredura de consumidos falhou: "+err.Error(), nil)
		return
	}

	for _, acct := range accounts {
		if ctx.Err() != nil {
			return
		}
		if err := w.store.Delete(ctx, acct.ChaveDoToken); err != nil {
			w.logger.Error("stale key delete failed", "conta", acct.ID, "key", acct.ChaveDoToken, "error", err)
			continue
		}
		if err := w.repo.SetAccountTokenKey(ctx, acct.ID, ""); err != nil {
			w.logger.Error("key clear failed", "conta", acct.ID, "error", err)
			continue
		}
		w.logger.Info("consumed token cleaned", "conta", acct.ID, "key", acct.ChaveDoToken)
		w.emit(Event{Type: EventCleaned, Conta: acct.ID, OldKey: acct.ChaveDoToken, At: time.Now()})
	}
}

// reconcileActive is phase B: make sure every account that should hold a live
// credential actually does, rotating the ones near expiry.
func (w *Watchdog) reconcileActive(ctx context.Context) {
	accounts, err := w.repo.ActiveTokenAccounts(ctx, w.cfg.ActiveScanLimit)
	if err != nil {
		w.logger.Error("active scan failed", "error", err)
		w.repo.Log(ctx, "token_watchdog_erro", "varredura de ativos falhou: "+err.Error(), nil)
		return
	}

	for _, acct := range accounts {
		if ctx.Err() != nil {
			return
		}
		if err := w.reconcileAccount(ctx, acct); err != nil {
			w.logger.Error("account reconcile failed", "conta", acct.ID, "error", err)
			w.repo.Log(ctx, "token_watchdog_erro", "reconciliacao falhou: "+err.Error(),
				map[string]any{"id_conta": acct.ID})
		}
	}
}

func (w *Watchdog) reconcileAccount(ctx context.Context, acct types.ActiveTokenAccount) error {
	if acct.ChaveDoToken == "" {
		return w.emitCredential(ctx, acct)
	}

	remaining, state, err := w.store.RemainingTTL(ctx, acct.ChaveDoToken)
	if err != nil {
		return fmt.Errorf("ttl probe: %w", err)
	}

	switch state {
	case kvstore.KeyNoExpiry:
		// Shouldn't happen — every write carries a TTL. Bound it.
		return w.store.PExpire(ctx, acct.ChaveDoToken, w.ttl)
	case kvstore.KeyExpiring:
		if remaining > w.cfg.RotateThreshold {
			return nil
		}
	}

	return w.rotate(ctx, acct, state, remaining)
}

// emitCredential mints a fresh credential with a skeleton payload for an
// account that lost its key (restart, failed publish).
func (w *Watchdog) emitCredential(ctx context.Context, acct types.ActiveTokenAccount) error {
	key, err := w.minter.Mint()
	if err != nil {
		return fmt.Errorf("mint: %w", err)
	}

	p := payload.Skeleton(acct.ID, payload.RequisicaoIDFromNumeroUnico(acct.NumeroUnico))
	encoded, err := p.Encode()
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	if err := w.store.Set(ctx, key, encoded, w.ttl); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if err := w.repo.SetAccountTokenKey(ctx, acct.ID, key); err != nil {
		return fmt.Errorf("record key: %w", err)
	}

	w.logger.Info("token emitted", "conta", acct.ID, "key", key)
	w.repo.Log(ctx, "info", "token emitido", map[string]any{"id_conta": acct.ID})
	w.emit(Event{Type: EventEmitted, Conta: acct.ID, NewKey: key, At: time.Now()})
	return nil
}

// rotate replaces the account's credential with a fresh one holding the
// upgraded payload. When the old key still exists its TTL is shortened to the
// grace window in the same pipelined round trip, so a consumer mid-request
// reads identical content under either key.
func (w *Watchdog) rotate(ctx context.Context, acct types.ActiveTokenAccount, state kvstore.KeyState, remaining time.Duration) error {
	var raw []byte
	if state != kvstore.KeyMissing {
		val, ok, err := w.store.Get(ctx, acct.ChaveDoToken)
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
		if ok {
			raw = []byte(val)
		}
	}

	p := payload.Upgrade(raw, acct.ID, acct.NumeroUnico)
	encoded, err := p.Encode()
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	newKey, err := w.minter.Mint()
	if err != nil {
		return fmt.Errorf("mint: %w", err)
	}

	oldKey := acct.ChaveDoToken
	if state == kvstore.KeyMissing {
		oldKey = "" // gone already, nothing to grace-expire
	}
	if err := w.store.Rotate(ctx, newKey, encoded, w.ttl, oldKey, w.cfg.Grace); err != nil {
		return fmt.Errorf("rotate keys: %w", err)
	}
	if err := w.repo.SetAccountTokenKey(ctx, acct.ID, newKey); err != nil {
		return fmt.Errorf("record key: %w", err)
	}

	w.logger.Info("token rotated",
		"conta", acct.ID,
		"old", acct.ChaveDoToken,
		"new", newKey,
		"old_ttl_ms", remaining.Milliseconds())
	w.repo.Log(ctx, "info", "token rotacionado", map[string]any{
		"id_conta":   acct.ID,
		"old":        acct.ChaveDoToken,
		"new":        newKey,
		"old_ttl_ms": remaining.Milliseconds(),
	})
	w.emit(Event{
		Type:     EventRotated,
		Conta:    acct.ID,
		OldKey:   acct.ChaveDoToken,
		NewKey:   newKey,
		OldTTLMS: remaining.Milliseconds(),
		At:       time.Now(),
	})
	return nil
}

// emit pushes ev without ever blocking a pass; the oldest buffered event is
// dropped when the channel is full.
func (w *Watchdog) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		select {
		case <-w.events:
		default:
		}
		select {
		case w.events <- ev:
		default:
		}
	}
}
