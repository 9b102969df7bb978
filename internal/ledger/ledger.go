// Package ledger keeps the per-user wallet balance and its append-only history.
//
// A balance only moves through Post, which appends an entry recording the balance
// before and after. Every post first checks that the stored balance still equals the
// last entry's balance_after; a mismatch stops the post with
// [apperr.ErrLedgerIntegrity] and is left for an operator.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"KeyLedger/internal/apperr"
	"KeyLedger/internal/models"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

type Reason string

const (
	ReasonRescueWebhook       Reason = "RESCUE_WEBHOOK"
	ReasonRescuePaidNotPosted Reason = "RESCUE_PAID_NOT_POSTED"
	ReasonCompensation        Reason = "COMPENSATION"
	ReasonBonus               Reason = "BONUS"
	ReasonBugFix              Reason = "BUG_FIX"
	ReasonManualTransfer      Reason = "MANUAL_TRANSFER"
	ReasonOther               Reason = "OTHER"
)

var reasons = map[Reason]struct{}{
	ReasonRescueWebhook:       {},
	ReasonRescuePaidNotPosted: {},
	ReasonCompensation:        {},
	ReasonBonus:               {},
	ReasonBugFix:              {},
	ReasonManualTransfer:      {},
	ReasonOther:               {},
}

func (r Reason) Valid() bool {
	_, ok := reasons[r]
	return ok
}

type Store interface {
	EnsureWallet(ctx context.Context, w *models.Wallet) (*models.Wallet, error)
	GetWallet(ctx context.Context, id string) (*models.Wallet, error)
	GetWalletByUser(ctx context.Context, userID string) (*models.Wallet, error)
	PostLedger(ctx context.Context, p models.Posting, entryID string, now time.Time) (*models.LedgerEntry, error)
	ListEntries(ctx context.Context, walletID string, limit, offset int) ([]*models.LedgerEntry, int64, error)
	EntryChain(ctx context.Context, walletID string) ([]*models.LedgerEntry, error)
}

type Service struct {
	Store  Store
	Codes  *snowflake.Node
	Now    func() time.Time
	Logger *slog.Logger
}

type Adjustment struct {
	UserID    string
	Direction models.Direction
	Amount    int64
	Reason    Reason
	Reference string
	Detail    string
	Actor     string
}

type Page struct {
	Entries []*models.LedgerEntry `json:"entries"`
	Total   int64                 `json:"total"`
	Page    int                   `json:"page"`
	PerPage int                   `json:"per_page"`
}

// Report is the result of walking a wallet's chain. BrokenAt is the seq of the first
// entry that does not follow from its predecessor.
type Report struct {
	WalletID   string `json:"wallet_id"`
	Entries    int    `json:"entries"`
	Balance    int64  `json:"balance"`
	ChainTotal int64  `json:"chain_total"`
	Consistent bool   `json:"consistent"`
	BrokenAt   *int64 `json:"broken_at,omitempty"`
	Problem    string `json:"problem,omitempty"`
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// EnsureWallet returns the user's wallet, creating an empty one on first use.
func (s Service) EnsureWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	if userID == "" {
		return nil, apperr.ErrMissingUser
	}
	w, err := s.Store.GetWalletByUser(ctx, userID)
	if err == nil {
		return w, nil
	}
	if apperr.KindOf(err) != apperr.KindNotFound {
		return nil, err
	}
	now := s.now()
	return s.Store.EnsureWallet(ctx, &models.Wallet{
		ID:        uuid.NewString(),
		UserID:    userID,
		Code:      "W" + s.Codes.Generate().String(),
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func (s Service) Post(ctx context.Context, p models.Posting) (*models.LedgerEntry, error) {
	if p.WalletID == "" {
		return nil, apperr.Invalid("wallet id is required")
	}
	if p.Amount <= 0 {
		return nil, apperr.Invalid("amount must be positive")
	}
	if p.Direction != models.Credit && p.Direction != models.Debit {
		return nil, apperr.Invalid("unknown direction %q", p.Direction)
	}
	switch p.Kind {
	case models.KindTopup, models.KindPurchase, models.KindRefund, models.KindAdjustment:
	default:
		return nil, apperr.Invalid("unknown entry kind %q", p.Kind)
	}

	entry, err := s.Store.PostLedger(ctx, p, uuid.Must(uuid.NewV7()).String(), s.now())
	if err != nil {
		s.logPostError(ctx, p, err)
		return nil, err
	}
	s.logger().InfoContext(ctx, "ledger posted",
		"wallet_id", p.WalletID,
		"entry_id", entry.ID,
		"direction", p.Direction,
		"amount", p.Amount,
		"kind", p.Kind,
		"balance_after", entry.BalanceAfter,
	)
	return entry, nil
}

func (s Service) logPostError(ctx context.Context, p models.Posting, err error) {
	if apperr.KindOf(err) == apperr.KindIntegrity {
		s.logger().ErrorContext(ctx, "ledger integrity violation",
			"wallet_id", p.WalletID,
			"kind", p.Kind,
			"reference", p.Reference,
			"error", err,
		)
	}
}

func (s Service) Topup(ctx context.Context, userID string, amount int64, note, actor string) (*models.LedgerEntry, error) {
	w, err := s.EnsureWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.Post(ctx, models.Posting{
		WalletID:  w.ID,
		Direction: models.Credit,
		Amount:    amount,
		Kind:      models.KindTopup,
		Note:      note,
		Actor:     actor,
	})
}

// Adjust posts a manual correction. The note records the reason code so that every
// manual balance change can be traced.
func (s Service) Adjust(ctx context.Context, a Adjustment) (*models.LedgerEntry, error) {
	if !a.Reason.Valid() {
		return nil, apperr.Invalid("unknown adjustment reason %q", a.Reason)
	}
	if a.Actor == "" {
		return nil, apperr.Invalid("actor is required")
	}
	w, err := s.EnsureWallet(ctx, a.UserID)
	if err != nil {
		return nil, err
	}
	entry, err := s.Post(ctx, models.Posting{
		WalletID:  w.ID,
		Direction: a.Direction,
		Amount:    a.Amount,
		Kind:      models.KindAdjustment,
		Reference: a.Reference,
		Note:      AdjustmentNote(a.Reason, a.Reference, a.Detail),
		Actor:     a.Actor,
	})
	if err != nil {
		return nil, err
	}
	s.logger().InfoContext(ctx, "wallet adjusted",
		"audit", true,
		"user_id", a.UserID,
		"wallet_id", w.ID,
		"reason", a.Reason,
		"direction", a.Direction,
		"amount", a.Amount,
		"actor", a.Actor,
	)
	return entry, nil
}

// AdjustmentNote formats REASON[ ref:REFERENCE][ - DETAIL].
func AdjustmentNote(reason Reason, reference, detail string) string {
	var b strings.Builder
	b.WriteString(string(reason))
	if ref := strings.TrimSpace(reference); ref != "" {
		b.WriteString(" ref:")
		b.WriteString(ref)
	}
	if d := strings.TrimSpace(detail); d != "" {
		b.WriteString(" - ")
		b.WriteString(d)
	}
	return b.String()
}

func (s Service) History(ctx context.Context, walletID string, page, perPage int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	if _, err := s.Store.GetWallet(ctx, walletID); err != nil {
		return nil, err
	}
	entries, total, err := s.Store.ListEntries(ctx, walletID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	return &Page{Entries: entries, Total: total, Page: page, PerPage: perPage}, nil
}

// Verify walks a wallet's chain from the first entry and reports the first break.
func (s Service) Verify(ctx context.Context, walletID string) (*Report, error) {
	w, err := s.Store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	chain, err := s.Store.EntryChain(ctx, walletID)
	if err != nil {
		return nil, err
	}

	rep := &Report{WalletID: walletID, Entries: len(chain), Balance: w.Balance, Consistent: true}
	var running int64
	for _, e := range chain {
		if problem := checkEntry(e, running); problem != "" {
			seq := e.Seq
			rep.Consistent = false
			rep.BrokenAt = &seq
			rep.Problem = problem
			break
		}
		running = e.BalanceAfter
	}
	rep.ChainTotal = running
	if rep.Consistent && running != w.Balance {
		rep.Consistent = false
		rep.Problem = fmt.Sprintf("wallet balance %d differs from chain total %d", w.Balance, running)
	}
	if !rep.Consistent {
		s.logger().ErrorContext(ctx, "ledger chain broken",
			"wallet_id", walletID,
			"problem", rep.Problem,
		)
	}
	return rep, nil
}

func checkEntry(e *models.LedgerEntry, prevAfter int64) string {
	if e.BalanceBefore != prevAfter {
		return fmt.Sprintf("entry %d starts at %d, previous entry ended at %d", e.Seq, e.BalanceBefore, prevAfter)
	}
	want := e.BalanceBefore + e.Amount
	if e.Direction == models.Debit {
		want = e.BalanceBefore - e.Amount
	}
	if e.BalanceAfter != want {
		return fmt.Sprintf("entry %d ends at %d, expected %d", e.Seq, e.BalanceAfter, want)
	}
	return ""
}
