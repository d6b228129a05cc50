package repo

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"gjteam-bot/migrations"

	"log/slog"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "test.db")
	r, err := NewSQLite(context.Background(), path, migrations.Files, logger)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(r.Close)
	if err := r.RunMigrations(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return r
}

func createRecharge(t *testing.T, r *SQLiteRepository, outTradeNo string, amount float64) *RechargeRequest {
	t.Helper()
	req, err := r.CreateRechargeRequest(context.Background(), RechargeRequest{
		GuildID:      1,
		UserID:       42,
		OutTradeNo:   outTradeNo,
		RequestedCNY: amount,
	})
	if err != nil {
		t.Fatalf("create recharge: %v", err)
	}
	return req
}

func TestCreateRechargeDuplicateOrderNo(t *testing.T) {
	r := newTestRepo(t)
	createRecharge(t, r, "GJTRC-1-42-100-aa", 10)
	_, err := r.CreateRechargeRequest(context.Background(), RechargeRequest{
		GuildID: 1, UserID: 42, OutTradeNo: "GJTRC-1-42-100-aa", RequestedCNY: 10,
	})
	if err != ErrDuplicateOrderNo {
		t.Fatalf("want ErrDuplicateOrderNo, got %v", err)
	}
}

func TestMarkRechargePaidOnlyOnce(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	req := createRecharge(t, r, "GJTRC-1-42-101-bb", 25)

	ok, err := r.MarkRechargePaid(ctx, req.RequestID, "2026ALITRADE01", 25)
	if err != nil || !ok {
		t.Fatalf("first paid transition: ok=%v err=%v", ok, err)
	}
	ok, err = r.MarkRechargePaid(ctx, req.RequestID, "2026ALITRADE01", 25)
	if err != nil {
		t.Fatalf("second paid transition errored: %v", err)
	}
	if ok {
		t.Fatal("second paid transition should not affect rows")
	}

	got, err := r.GetRechargeByOutTradeNo(ctx, req.OutTradeNo)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != RechargeStatusPaid {
		t.Fatalf("status = %s, want PAID", got.Status)
	}
	if got.AlipayTradeNo == nil || *got.AlipayTradeNo != "2026ALITRADE01" {
		t.Fatalf("trade no not stamped: %v", got.AlipayTradeNo)
	}
	if got.ProcessedAt == nil {
		t.Fatal("processed_at not stamped")
	}
}

func TestTradeNoUniqueAcrossRequests(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	first := createRecharge(t, r, "GJTRC-1-42-102-cc", 10)
	second := createRecharge(t, r, "GJTRC-1-42-103-dd", 10)

	if ok, err := r.MarkRechargePaid(ctx, first.RequestID, "2026ALITRADE02", 10); err != nil || !ok {
		t.Fatalf("first paid: ok=%v err=%v", ok, err)
	}

	processed, err := r.IsTradeNoProcessed(ctx, "2026ALITRADE02", second.RequestID)
	if err != nil {
		t.Fatalf("IsTradeNoProcessed: %v", err)
	}
	if !processed {
		t.Fatal("trade no should count as processed for another request")
	}
	processed, err = r.IsTradeNoProcessed(ctx, "2026ALITRADE02", first.RequestID)
	if err != nil {
		t.Fatalf("IsTradeNoProcessed exclude self: %v", err)
	}
	if processed {
		t.Fatal("excluded request must not count against itself")
	}

	if _, err := r.MarkRechargePaid(ctx, second.RequestID, "2026ALITRADE02", 10); err != ErrDuplicateTradeNo {
		t.Fatalf("want ErrDuplicateTradeNo, got %v", err)
	}
}

func TestMarkRechargeIssueOnlyFromPending(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	req := createRecharge(t, r, "GJTRC-1-42-104-ee", 10)

	ok, err := r.MarkRechargeIssue(ctx, req.RequestID, RechargeStatusAmountIssue, "expected 10.00, paid 9.00")
	if err != nil || !ok {
		t.Fatalf("issue transition: ok=%v err=%v", ok, err)
	}
	got, _ := r.GetRechargeByOutTradeNo(ctx, req.OutTradeNo)
	if got.Status != RechargeStatusAmountIssue {
		t.Fatalf("status = %s, want AMOUNT_ISSUE", got.Status)
	}
	if got.AdminNote == nil {
		t.Fatal("admin note missing")
	}

	// Absorbing: cannot be marked PAID afterwards.
	ok, err = r.MarkRechargePaid(ctx, req.RequestID, "2026ALITRADE03", 10)
	if err != nil || ok {
		t.Fatalf("paid after issue should be a no-op: ok=%v err=%v", ok, err)
	}
}

func TestAdjustBalanceNeverNegative(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	// Missing row starts from the default.
	ok, err := r.AdjustBalance(ctx, 1, 7, -30, 100)
	if err != nil || !ok {
		t.Fatalf("debit within default: ok=%v err=%v", ok, err)
	}
	bal, err := r.GetBalance(ctx, 1, 7, 100)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal != 70 {
		t.Fatalf("balance = %d, want 70", bal)
	}

	// Overdraw is rejected without mutation.
	ok, err = r.AdjustBalance(ctx, 1, 7, -71, 100)
	if err != nil {
		t.Fatalf("overdraw errored: %v", err)
	}
	if ok {
		t.Fatal("overdraw should be rejected")
	}
	bal, _ = r.GetBalance(ctx, 1, 7, 100)
	if bal != 70 {
		t.Fatalf("balance changed on rejected debit: %d", bal)
	}

	// Overdraw on a missing row is also rejected and creates nothing.
	ok, err = r.AdjustBalance(ctx, 1, 8, -500, 100)
	if err != nil || ok {
		t.Fatalf("missing-row overdraw: ok=%v err=%v", ok, err)
	}
	bal, _ = r.GetBalance(ctx, 1, 8, 100)
	if bal != 100 {
		t.Fatalf("missing row should still read default, got %d", bal)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("constraint failed: UNIQUE constraint failed: tickets.channel_id (2067)"), true},
		{errors.New("constraint failed: NOT NULL constraint failed: tickets.guild_id (1299)"), false},
		{errors.New("constraint failed: CHECK constraint failed: status (275)"), false},
		{errors.New("database is locked"), false},
	}
	for _, tc := range cases {
		if got := isUniqueViolation(tc.err); got != tc.want {
			t.Errorf("isUniqueViolation(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestAdjustBalanceDebitBeyondDefault(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.SetBalance(ctx, 1, 42, 1000); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	// The default only applies to a missing row. A stored balance of 1000
	// covers a 150 debit even though 150 exceeds the default of 100.
	ok, err := r.AdjustBalance(ctx, 1, 42, -150, 100)
	if err != nil {
		t.Fatalf("debit errored: %v", err)
	}
	if !ok {
		t.Fatal("debit of 150 rejected though balance is 1000")
	}
	bal, _ := r.GetBalance(ctx, 1, 42, 100)
	if bal != 850 {
		t.Fatalf("balance = %d, want 850", bal)
	}

	// The stored balance is also the ceiling: 851 must fail.
	ok, err = r.AdjustBalance(ctx, 1, 42, -851, 100)
	if err != nil || ok {
		t.Fatalf("overdraw past stored balance: ok=%v err=%v", ok, err)
	}
	bal, _ = r.GetBalance(ctx, 1, 42, 100)
	if bal != 850 {
		t.Fatalf("balance changed on rejected debit: %d", bal)
	}
}

func TestAdjustBalanceConcurrentDebits(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.SetBalance(ctx, 1, 9, 50); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	const workers = 10
	var wg sync.WaitGroup
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.AdjustBalance(ctx, 1, 9, -10, 100)
			if err != nil {
				t.Errorf("concurrent debit: %v", err)
				return
			}
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for ok := range results {
		if ok {
			succeeded++
		}
	}
	if succeeded != 5 {
		t.Fatalf("%d debits succeeded, want 5", succeeded)
	}
	bal, _ := r.GetBalance(ctx, 1, 9, 100)
	if bal != 0 {
		t.Fatalf("final balance = %d, want 0", bal)
	}
}

func TestSetBalanceClampsNegative(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.SetBalance(ctx, 1, 10, -5); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	bal, _ := r.GetBalance(ctx, 1, 10, 100)
	if bal != 0 {
		t.Fatalf("balance = %d, want clamped 0", bal)
	}
}

func TestClaimTicketExactlyOnce(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	created, err := r.CreateTicket(ctx, Ticket{GuildID: 1, ChannelID: 555, CreatorID: 42})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}

	const claimers = 8
	var wg sync.WaitGroup
	wins := make(chan int64, claimers)
	for i := 0; i < claimers; i++ {
		handlerID := int64(1000 + i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.ClaimTicket(ctx, created.TicketID, handlerID)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				wins <- handlerID
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []int64
	for id := range wins {
		winners = append(winners, id)
	}
	if len(winners) != 1 {
		t.Fatalf("%d claims won, want exactly 1", len(winners))
	}

	got, _ := r.GetTicketByID(ctx, created.TicketID)
	if got.Status != TicketStatusClaimed {
		t.Fatalf("status = %s, want CLAIMED", got.Status)
	}
	if got.ClaimedByID == nil || *got.ClaimedByID != winners[0] {
		t.Fatalf("claimed_by = %v, want %d", got.ClaimedByID, winners[0])
	}
}

func TestClaimClosedTicketFails(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	created, _ := r.CreateTicket(ctx, Ticket{GuildID: 1, ChannelID: 556, CreatorID: 42})
	if ok, err := r.CloseTicket(ctx, created.TicketID, "resolved", ""); err != nil || !ok {
		t.Fatalf("close: ok=%v err=%v", ok, err)
	}
	ok, err := r.ClaimTicket(ctx, created.TicketID, 9000)
	if err != nil {
		t.Fatalf("claim closed: %v", err)
	}
	if ok {
		t.Fatal("claiming a closed ticket must fail")
	}
}

func TestCloseTicketStampsAndIsConditional(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	created, _ := r.CreateTicket(ctx, Ticket{GuildID: 1, ChannelID: 557, CreatorID: 42})

	ok, err := r.CloseTicket(ctx, created.TicketID, "resolved", "transcripts/557.html")
	if err != nil || !ok {
		t.Fatalf("close: ok=%v err=%v", ok, err)
	}
	got, _ := r.GetTicketByID(ctx, created.TicketID)
	if got.Status != TicketStatusClosed {
		t.Fatalf("status = %s, want CLOSED", got.Status)
	}
	if got.ClosedAt == nil || got.CloseReason == nil || *got.CloseReason != "resolved" {
		t.Fatalf("close metadata missing: %+v", got)
	}
	if got.TranscriptRef == nil || *got.TranscriptRef != "transcripts/557.html" {
		t.Fatalf("transcript ref = %v", got.TranscriptRef)
	}

	// Second close transitions nothing.
	ok, err = r.CloseTicket(ctx, created.TicketID, "again", "")
	if err != nil {
		t.Fatalf("second close errored: %v", err)
	}
	if ok {
		t.Fatal("second close should affect no rows")
	}
	got, _ = r.GetTicketByID(ctx, created.TicketID)
	if *got.CloseReason != "resolved" {
		t.Fatalf("close reason overwritten: %s", *got.CloseReason)
	}
}

func TestTicketChannelUnique(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if _, err := r.CreateTicket(ctx, Ticket{GuildID: 1, ChannelID: 558, CreatorID: 42}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := r.CreateTicket(ctx, Ticket{GuildID: 1, ChannelID: 558, CreatorID: 43})
	if err != ErrChannelTaken {
		t.Fatalf("want ErrChannelTaken, got %v", err)
	}
}

func TestFindOpenTicketForCreator(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	deptID := int64(3)
	created, err := r.CreateTicket(ctx, Ticket{GuildID: 1, ChannelID: 559, CreatorID: 42, DepartmentID: &deptID})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	found, err := r.FindOpenTicketForCreator(ctx, 1, 42, 3)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found == nil || found.TicketID != created.TicketID {
		t.Fatalf("found = %+v", found)
	}

	// Other department or creator yields nothing.
	if found, _ := r.FindOpenTicketForCreator(ctx, 1, 42, 4); found != nil {
		t.Fatalf("unexpected match in other department: %+v", found)
	}

	if _, err := r.CloseTicket(ctx, created.TicketID, "done", ""); err != nil {
		t.Fatalf("close: %v", err)
	}
	if found, _ := r.FindOpenTicketForCreator(ctx, 1, 42, 3); found != nil {
		t.Fatalf("closed ticket should not match: %+v", found)
	}
}

func TestDepartmentLifecycleLeavesDanglingReference(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	desc := "payment problems"
	dept, err := r.UpsertDepartment(ctx, TicketDepartment{
		GuildID:      1,
		Name:         "billing",
		Description:  &desc,
		StaffRoleIDs: []int64{77, 88},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if dept.DepartmentID == 0 {
		t.Fatal("department id not assigned")
	}

	got, err := r.GetDepartment(ctx, dept.DepartmentID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.StaffRoleIDs) != 2 || got.StaffRoleIDs[0] != 77 {
		t.Fatalf("staff roles = %v", got.StaffRoleIDs)
	}

	ticket, err := r.CreateTicket(ctx, Ticket{GuildID: 1, ChannelID: 560, CreatorID: 42, DepartmentID: &dept.DepartmentID})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}

	deleted, err := r.DeleteDepartment(ctx, 1, dept.DepartmentID)
	if err != nil || !deleted {
		t.Fatalf("delete: ok=%v err=%v", deleted, err)
	}

	// The ticket keeps its department reference even though the department
	// is gone.
	reloaded, err := r.GetTicketByID(ctx, ticket.TicketID)
	if err != nil {
		t.Fatalf("reload ticket: %v", err)
	}
	if reloaded.DepartmentID == nil || *reloaded.DepartmentID != dept.DepartmentID {
		t.Fatalf("department reference lost: %v", reloaded.DepartmentID)
	}
	if _, err := r.GetDepartment(ctx, dept.DepartmentID); err != ErrNotFound {
		t.Fatalf("want ErrNotFound for deleted department, got %v", err)
	}
}

func TestChatEarnConfigDefaultsAndOverride(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	defaults := ChatEarnConfig{Amount: 5, CooldownSeconds: 60}

	cfg, err := r.GetChatEarnConfig(ctx, 1, defaults)
	if err != nil {
		t.Fatalf("get defaults: %v", err)
	}
	if cfg != defaults {
		t.Fatalf("cfg = %+v, want defaults", cfg)
	}

	if err := r.SetChatEarnConfig(ctx, 1, ChatEarnConfig{Amount: 12, CooldownSeconds: 30}); err != nil {
		t.Fatalf("set: %v", err)
	}
	cfg, err = r.GetChatEarnConfig(ctx, 1, defaults)
	if err != nil {
		t.Fatalf("get stored: %v", err)
	}
	if cfg.Amount != 12 || cfg.CooldownSeconds != 30 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestModerationLogDeactivate(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	reason := "spamming invite links"
	logID, err := r.LogModerationAction(ctx, ModerationAction{
		GuildID:         1,
		TargetUserID:    42,
		ModeratorUserID: 7,
		ActionType:      "mute",
		Reason:          &reason,
	})
	if err != nil {
		t.Fatalf("log: %v", err)
	}

	active, err := r.LatestActiveAction(ctx, 1, 42, "mute")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if active == nil || active.LogID != logID {
		t.Fatalf("active = %+v", active)
	}

	ok, err := r.DeactivateAction(ctx, logID, "appeal accepted", 7)
	if err != nil || !ok {
		t.Fatalf("deactivate: ok=%v err=%v", ok, err)
	}
	if again, _ := r.LatestActiveAction(ctx, 1, 42, "mute"); again != nil {
		t.Fatalf("action still active: %+v", again)
	}
	// Deactivating twice is a no-op.
	ok, err = r.DeactivateAction(ctx, logID, "again", 7)
	if err != nil || ok {
		t.Fatalf("second deactivate: ok=%v err=%v", ok, err)
	}
}
