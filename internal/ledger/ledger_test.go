package ledger

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gjteam-bot/internal/repo"
	"gjteam-bot/migrations"

	"log/slog"
)

func newTestLedger(t *testing.T) (*Ledger, repo.Repository) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := repo.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"), migrations.Files, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.RunMigrations(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	l := New(store, nil, Config{
		DefaultBalance:   100,
		ChatEarnAmount:   5,
		ChatEarnCooldown: time.Minute,
	}, logger, nil)
	return l, store
}

func TestBalanceDefaultsForUnknownUser(t *testing.T) {
	l, _ := newTestLedger(t)
	bal, err := l.Balance(context.Background(), 1, 42)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 100 {
		t.Fatalf("balance = %d, want default 100", bal)
	}
}

func TestAdjustRejectsOverdraw(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if err := l.Adjust(ctx, 1, 42, -40); err != nil {
		t.Fatalf("debit within default: %v", err)
	}
	if err := l.Adjust(ctx, 1, 42, -61); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("overdraw error = %v, want ErrInsufficientBalance", err)
	}
	bal, _ := l.Balance(ctx, 1, 42)
	if bal != 60 {
		t.Fatalf("balance = %d, want 60", bal)
	}
}

func TestCreditRejectsNegativeAmount(t *testing.T) {
	l, _ := newTestLedger(t)
	if err := l.Credit(context.Background(), 1, 42, -1); err == nil {
		t.Fatal("negative credit accepted")
	}
}

func TestSetClampsToZero(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	if err := l.Set(ctx, 1, 42, -20); err != nil {
		t.Fatalf("set: %v", err)
	}
	bal, _ := l.Balance(ctx, 1, 42)
	if bal != 0 {
		t.Fatalf("balance = %d, want clamped 0", bal)
	}
}

func TestConcurrentSpendsNeverOverdraw(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	if err := l.Set(ctx, 1, 42, 30); err != nil {
		t.Fatalf("seed: %v", err)
	}

	const spenders = 8
	var wg sync.WaitGroup
	var succeeded sync.Map
	for i := 0; i < spenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := l.Adjust(ctx, 1, 42, -10); err == nil {
				succeeded.Store(i, true)
			} else if !errors.Is(err, ErrInsufficientBalance) {
				t.Errorf("spend %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	wins := 0
	succeeded.Range(func(_, _ any) bool { wins++; return true })
	if wins != 3 {
		t.Fatalf("%d spends succeeded, want 3", wins)
	}
	bal, _ := l.Balance(ctx, 1, 42)
	if bal != 0 {
		t.Fatalf("final balance = %d, want 0", bal)
	}
}

func TestEarnFromChatUsesGuildConfig(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	// Defaults apply when the guild never configured anything. Without a
	// cache every message earns.
	earned, err := l.EarnFromChat(ctx, 1, 42)
	if err != nil {
		t.Fatalf("earn: %v", err)
	}
	if earned != 5 {
		t.Fatalf("earned = %d, want default 5", earned)
	}

	if err := store.SetChatEarnConfig(ctx, 1, repo.ChatEarnConfig{Amount: 9, CooldownSeconds: 60}); err != nil {
		t.Fatalf("set config: %v", err)
	}
	earned, err = l.EarnFromChat(ctx, 1, 42)
	if err != nil {
		t.Fatalf("earn configured: %v", err)
	}
	if earned != 9 {
		t.Fatalf("earned = %d, want configured 9", earned)
	}

	// A zero amount disables earning for the guild.
	if err := store.SetChatEarnConfig(ctx, 1, repo.ChatEarnConfig{Amount: 0, CooldownSeconds: 60}); err != nil {
		t.Fatalf("set disabled: %v", err)
	}
	earned, err = l.EarnFromChat(ctx, 1, 42)
	if err != nil {
		t.Fatalf("earn disabled: %v", err)
	}
	if earned != 0 {
		t.Fatalf("earned = %d, want 0 when disabled", earned)
	}
}
