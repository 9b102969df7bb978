// Package memstore is an in-memory implementation of the fulfillment store.
//
// Every operation runs under a single mutex, which gives it the same atomicity as the
// PostgreSQL store's transactions. The mutex also serializes ledger postings to
// different wallets, which the PostgreSQL store runs in parallel under per-wallet row
// locks. It backs the service tests and `storage: memory` runs.
package memstore

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"KeyLedger/internal/apperr"
	"KeyLedger/internal/models"
)

type Store struct {
	mu sync.Mutex

	products  map[string]*models.Product
	campaigns map[int64]*models.Campaign

	credentials  map[string]*models.CredentialEntry
	credOrder    []string
	fingerprints map[string]string
	intakes      []*models.StockIntake

	wallets      map[string]*models.Wallet
	walletByUser map[string]string
	entries      map[string][]*models.LedgerEntry
	seq          int64

	orders      map[string]*models.Order
	payments    map[string]*models.Payment
	paymentSeq  []string
	events      map[string]models.GatewayOutcome
	deliveries  map[string]*models.Delivery
	unitIndex   map[string]string
	deliverySeq []string
}

func New() *Store {
	return &Store{
		products:     map[string]*models.Product{},
		campaigns:    map[int64]*models.Campaign{},
		credentials:  map[string]*models.CredentialEntry{},
		fingerprints: map[string]string{},
		wallets:      map[string]*models.Wallet{},
		walletByUser: map[string]string{},
		entries:      map[string][]*models.LedgerEntry{},
		orders:       map[string]*models.Order{},
		payments:     map[string]*models.Payment{},
		events:       map[string]models.GatewayOutcome{},
		deliveries:   map[string]*models.Delivery{},
		unitIndex:    map[string]string{},
	}
}

func notFound(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, apperr.ErrNotFound)
}

// UpsertProduct mirrors a product from the external catalog.
func (s *Store) UpsertProduct(ctx context.Context, p *models.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.products[p.ID] = &cp
	return nil
}

// UpsertCampaign stores a discount campaign or voucher.
func (s *Store) UpsertCampaign(ctx context.Context, c *models.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.campaigns[c.ID] = &cp
	return nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return nil, notFound("product", id)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListActiveCampaigns(ctx context.Context) ([]*models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Campaign
	for _, c := range s.campaigns {
		if c.Active && c.Code == "" {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetCampaignByCode(ctx context.Context, code string) (*models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.campaigns {
		if c.Code != "" && c.Code == code {
			cp := *c
			return &cp, nil
		}
	}
	return nil, notFound("campaign", code)
}

// consumeQuotaLocked bumps quota-bound campaigns, or none of them when one is used up.
func (s *Store) consumeQuotaLocked(discounts []models.AppliedDiscount) error {
	var bound []*models.Campaign
	for _, d := range discounts {
		if !d.QuotaBound {
			continue
		}
		c, ok := s.campaigns[d.CampaignID]
		if !ok {
			return notFound("campaign", fmt.Sprint(d.CampaignID))
		}
		if !c.QuotaLeft() {
			return fmt.Errorf("campaign %d: %w", c.ID, apperr.ErrQuotaExhausted)
		}
		bound = append(bound, c)
	}
	for _, c := range bound {
		c.QuotaUsed++
	}
	return nil
}

func (s *Store) checkNoOpenPaymentLocked(orderID string) error {
	for _, p := range s.payments {
		if p.OrderID == orderID && p.Status == models.PaymentPending {
			return fmt.Errorf("order %s: %w", orderID, apperr.ErrPaymentInProgress)
		}
	}
	return nil
}

func cloneOrder(o *models.Order) *models.Order {
	cp := *o
	cp.Items = append([]models.LineItem(nil), o.Items...)
	cp.Summary.Discounts = append([]models.AppliedDiscount(nil), o.Summary.Discounts...)
	return &cp
}

func fpKey(fp []byte) string {
	return hex.EncodeToString(fp)
}

func unitKey(orderID string, unit int) string {
	return fmt.Sprintf("%s/%d", orderID, unit)
}

func (s *Store) InsertCredentials(ctx context.Context, intake *models.StockIntake, entries []*models.CredentialEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := map[string]struct{}{}
	for _, e := range entries {
		k := fpKey(e.Fingerprint)
		if _, ok := s.fingerprints[k]; ok {
			return apperr.ErrDuplicateKey
		}
		if _, ok := batch[k]; ok {
			return apperr.ErrDuplicateKey
		}
		batch[k] = struct{}{}
	}

	cp := *intake
	s.intakes = append(s.intakes, &cp)
	for _, e := range entries {
		c := *e
		c.SealedKey = append([]byte(nil), e.SealedKey...)
		s.credentials[c.ID] = &c
		s.credOrder = append(s.credOrder, c.ID)
		s.fingerprints[fpKey(e.Fingerprint)] = c.ID
	}
	return nil
}

// Intakes returns the audit trail of stock intakes.
func (s *Store) Intakes() []models.StockIntake {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.StockIntake, 0, len(s.intakes))
	for _, in := range s.intakes {
		out = append(out, *in)
	}
	return out
}

func (s *Store) CredentialCounts(ctx context.Context, productID string) (models.CredentialCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c models.CredentialCounts
	for _, e := range s.credentials {
		if e.ProductID != productID {
			continue
		}
		switch e.Status {
		case models.CredentialAvailable:
			c.Available++
		case models.CredentialReserved:
			c.Reserved++
		case models.CredentialRedeemed:
			c.Redeemed++
		case models.CredentialRevoked:
			c.Revoked++
		}
	}
	return c, nil
}

func (s *Store) GetCredential(ctx context.Context, id string) (*models.CredentialEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.credentials[id]
	if !ok {
		return nil, notFound("credential", id)
	}
	cp := *e
	return &cp, nil
}

func (s *Store) reserveLocked(productID, orderID string, now time.Time) *models.CredentialEntry {
	for _, id := range s.credOrder {
		e := s.credentials[id]
		if e.ProductID != productID || e.Status != models.CredentialAvailable {
			continue
		}
		e.Status = models.CredentialReserved
		oid := orderID
		e.OrderID = &oid
		t := now
		e.ReservedAt = &t
		return e
	}
	return nil
}

func (s *Store) ReserveCredential(ctx context.Context, productID, orderID string, now time.Time) (*models.CredentialEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.reserveLocked(productID, orderID, now)
	if e == nil {
		return nil, apperr.ErrOutOfStock
	}
	cp := *e
	return &cp, nil
}

func (s *Store) redeemLocked(credentialID, orderID string, now time.Time) error {
	e, ok := s.credentials[credentialID]
	if !ok {
		return notFound("credential", credentialID)
	}
	if e.OrderID == nil || *e.OrderID != orderID {
		return fmt.Errorf("credential %s not bound to order %s: %w", credentialID, orderID, apperr.ErrDoubleReservation)
	}
	switch e.Status {
	case models.CredentialRedeemed:
		return nil
	case models.CredentialReserved:
		e.Status = models.CredentialRedeemed
		t := now
		e.RedeemedAt = &t
		return nil
	default:
		return fmt.Errorf("redeem %s from %s: %w", credentialID, e.Status, apperr.ErrInvalidTransition)
	}
}

func (s *Store) RedeemCredential(ctx context.Context, credentialID, orderID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.redeemLocked(credentialID, orderID, now)
}

func (s *Store) releaseLocked(credentialID, orderID string) error {
	e, ok := s.credentials[credentialID]
	if !ok {
		return notFound("credential", credentialID)
	}
	if e.Status != models.CredentialReserved || e.OrderID == nil || *e.OrderID != orderID {
		return fmt.Errorf("release %s from %s: %w", credentialID, e.Status, apperr.ErrInvalidTransition)
	}
	e.Status = models.CredentialAvailable
	e.OrderID = nil
	e.ReservedAt = nil
	return nil
}

func (s *Store) ReleaseCredential(ctx context.Context, credentialID, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLocked(credentialID, orderID)
}

func (s *Store) RevokeCredential(ctx context.Context, productID, credentialID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.credentials[credentialID]
	if !ok || e.ProductID != productID {
		return notFound("credential", credentialID)
	}
	if e.Status != models.CredentialAvailable {
		return fmt.Errorf("revoke %s from %s: %w", credentialID, e.Status, apperr.ErrInvalidTransition)
	}
	e.Status = models.CredentialRevoked
	t := now
	e.RevokedAt = &t
	return nil
}

func (s *Store) EnsureWallet(ctx context.Context, w *models.Wallet) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.walletByUser[w.UserID]; ok {
		cp := *s.wallets[id]
		return &cp, nil
	}
	cp := *w
	cp.Balance = 0
	s.wallets[cp.ID] = &cp
	s.walletByUser[cp.UserID] = cp.ID
	out := cp
	return &out, nil
}

func (s *Store) GetWallet(ctx context.Context, id string) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[id]
	if !ok {
		return nil, notFound("wallet", id)
	}
	cp := *w
	return &cp, nil
}

func (s *Store) GetWalletByUser(ctx context.Context, userID string) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.walletByUser[userID]
	if !ok {
		return nil, notFound("wallet for user", userID)
	}
	cp := *s.wallets[id]
	return &cp, nil
}

func (s *Store) postLocked(p models.Posting, entryID string, now time.Time) (*models.LedgerEntry, error) {
	w, ok := s.wallets[p.WalletID]
	if !ok {
		return nil, notFound("wallet", p.WalletID)
	}
	chain := s.entries[w.ID]
	if n := len(chain); n > 0 && chain[n-1].BalanceAfter != w.Balance {
		return nil, fmt.Errorf("wallet %s balance %d, last entry after %d: %w",
			w.ID, w.Balance, chain[n-1].BalanceAfter, apperr.ErrLedgerIntegrity)
	}
	if n := len(chain); n == 0 && w.Balance != 0 {
		return nil, fmt.Errorf("wallet %s balance %d without entries: %w", w.ID, w.Balance, apperr.ErrLedgerIntegrity)
	}

	after := w.Balance
	switch p.Direction {
	case models.Credit:
		if p.Amount > math.MaxInt64-w.Balance {
			return nil, apperr.Invalid("credit of %d overflows wallet %s balance %d", p.Amount, w.ID, w.Balance)
		}
		after += p.Amount
	case models.Debit:
		if w.Balance < p.Amount {
			return nil, fmt.Errorf("wallet %s balance %d < %d: %w", w.ID, w.Balance, p.Amount, apperr.ErrInsufficientFunds)
		}
		after -= p.Amount
	default:
		return nil, apperr.Invalid("unknown direction %q", p.Direction)
	}

	s.seq++
	entry := &models.LedgerEntry{
		ID:            entryID,
		Seq:           s.seq,
		WalletID:      w.ID,
		Direction:     p.Direction,
		Amount:        p.Amount,
		BalanceBefore: w.Balance,
		BalanceAfter:  after,
		Kind:          p.Kind,
		Reference:     p.Reference,
		Note:          p.Note,
		Actor:         p.Actor,
		CreatedAt:     now,
	}
	s.entries[w.ID] = append(chain, entry)
	w.Balance = after
	w.UpdatedAt = now
	return entry, nil
}

func (s *Store) PostLedger(ctx context.Context, p models.Posting, entryID string, now time.Time) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.postLocked(p, entryID, now)
	if err != nil {
		return nil, err
	}
	cp := *e
	return &cp, nil
}

func (s *Store) ListEntries(ctx context.Context, walletID string, limit, offset int) ([]*models.LedgerEntry, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.entries[walletID]
	total := int64(len(chain))
	var out []*models.LedgerEntry
	for i := len(chain) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		cp := *chain[i]
		out = append(out, &cp)
	}
	return out, total, nil
}

func (s *Store) EntryChain(ctx context.Context, walletID string) ([]*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.entries[walletID]
	out := make([]*models.LedgerEntry, 0, len(chain))
	for _, e := range chain {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// CorruptWalletBalance overwrites a balance without a ledger entry. Test hook for
// integrity detection.
func (s *Store) CorruptWalletBalance(walletID string, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.wallets[walletID]; ok {
		w.Balance = balance
	}
}

func (s *Store) CreateOrder(ctx context.Context, o *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return apperr.Invalid("order %s already exists", o.ID)
	}
	s.orders[o.ID] = cloneOrder(o)
	return nil
}

func (s *Store) ReplacePendingOrder(ctx context.Context, o *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.orders[o.ID]
	if !ok || cur.UserID != o.UserID {
		return notFound("order", o.ID)
	}
	if cur.Status != models.OrderPending {
		return fmt.Errorf("order %s is %s: %w", o.ID, cur.Status, apperr.ErrOrderNotPending)
	}
	if err := s.checkNoOpenPaymentLocked(o.ID); err != nil {
		return err
	}
	next := cloneOrder(o)
	next.InvoiceNo = cur.InvoiceNo
	next.Status = cur.Status
	next.CreatedAt = cur.CreatedAt
	s.orders[o.ID] = next
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, notFound("order", id)
	}
	return cloneOrder(o), nil
}

func (s *Store) FailStaleOrders(ctx context.Context, before, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, o := range s.orders {
		if o.Status != models.OrderPending || !o.UpdatedAt.Before(before) {
			continue
		}
		if s.hasPendingPaymentLocked(o.ID) {
			continue
		}
		o.Status = models.OrderFailed
		o.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *Store) hasPendingPaymentLocked(orderID string) bool {
	for _, p := range s.payments {
		if p.OrderID == orderID && p.Status == models.PaymentPending {
			return true
		}
	}
	return false
}

func (s *Store) InsertPayment(ctx context.Context, p *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Status == models.PaymentPending {
		o, ok := s.orders[p.OrderID]
		if !ok {
			return notFound("order", p.OrderID)
		}
		if o.Status != models.OrderPending {
			return fmt.Errorf("order %s is %s: %w", o.ID, o.Status, apperr.ErrOrderNotPending)
		}
		if err := s.checkNoOpenPaymentLocked(o.ID); err != nil {
			return err
		}
	}
	cp := *p
	s.payments[p.ID] = &cp
	s.paymentSeq = append(s.paymentSeq, p.ID)
	return nil
}

func (s *Store) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, notFound("payment", id)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListPayments(ctx context.Context, orderID string) ([]*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Payment
	for _, id := range s.paymentSeq {
		if p := s.payments[id]; p.OrderID == orderID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) SettleWallet(ctx context.Context, st models.WalletSettlement) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[st.OrderID]
	if !ok {
		return nil, notFound("order", st.OrderID)
	}
	if o.Status != models.OrderPending {
		return nil, fmt.Errorf("order %s is %s: %w", o.ID, o.Status, apperr.ErrOrderNotPending)
	}
	if o.Summary.Total != st.Posting.Amount {
		return nil, fmt.Errorf("order %s total %d changed from %d: %w", o.ID, o.Summary.Total, st.Posting.Amount, apperr.ErrInvalidTransition)
	}

	if err := s.checkNoOpenPaymentLocked(o.ID); err != nil {
		return nil, err
	}

	// Validate everything before mutating, so failures leave no partial state.
	for _, d := range o.Summary.Discounts {
		if !d.QuotaBound {
			continue
		}
		if c, ok := s.campaigns[d.CampaignID]; ok && !c.QuotaLeft() {
			return nil, fmt.Errorf("campaign %d: %w", c.ID, apperr.ErrQuotaExhausted)
		}
	}
	w, ok := s.wallets[st.Posting.WalletID]
	if !ok {
		return nil, notFound("wallet", st.Posting.WalletID)
	}
	if w.Balance < st.Posting.Amount {
		return nil, fmt.Errorf("wallet %s balance %d < %d: %w", w.ID, w.Balance, st.Posting.Amount, apperr.ErrInsufficientFunds)
	}

	entry, err := s.postLocked(st.Posting, st.EntryID, st.Now)
	if err != nil {
		return nil, err
	}
	if err := s.consumeQuotaLocked(o.Summary.Discounts); err != nil {
		return nil, err
	}

	p := *st.Payment
	p.Status = models.PaymentSuccess
	p.LedgerEntryID = &entry.ID
	p.CreatedAt = st.Now
	p.UpdatedAt = st.Now
	s.payments[p.ID] = &p
	s.paymentSeq = append(s.paymentSeq, p.ID)

	o.Status = models.OrderPaid
	t := st.Now
	o.PaidAt = &t
	o.UpdatedAt = st.Now

	cp := *entry
	return &cp, nil
}

func (s *Store) ApplyGatewayEvent(ctx context.Context, ev models.GatewayEvent) (models.GatewayOutcome, *models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.events[ev.EventID]; seen {
		return models.OutcomeDuplicate, nil, nil
	}
	outcome, order := s.applyEventLocked(ev)
	s.events[ev.EventID] = outcome
	if order != nil {
		return outcome, cloneOrder(order), nil
	}
	return outcome, nil, nil
}

func (s *Store) applyEventLocked(ev models.GatewayEvent) (models.GatewayOutcome, *models.Order) {
	var p *models.Payment
	for _, cand := range s.payments {
		if cand.SessionRef != "" && cand.SessionRef == ev.SessionRef {
			p = cand
			break
		}
	}
	if p == nil || p.Status != models.PaymentPending {
		return models.OutcomeIgnored, nil
	}

	switch ev.Type {
	case models.EventPaymentFailed:
		p.Status = models.PaymentFailed
		p.FailureReason = "gateway_failed"
		p.UpdatedAt = ev.ReceivedAt
		return models.OutcomeFailed, nil
	case models.EventPaymentSucceeded:
	default:
		return models.OutcomeIgnored, nil
	}

	if ev.Amount != p.Amount {
		p.Status = models.PaymentFailed
		p.FailureReason = string(models.OutcomeAmountMismatch)
		p.UpdatedAt = ev.ReceivedAt
		return models.OutcomeAmountMismatch, nil
	}

	p.UpdatedAt = ev.ReceivedAt
	o, ok := s.orders[p.OrderID]
	if !ok || o.Status != models.OrderPending {
		p.Status = models.PaymentSuccess
		return models.OutcomeOrphaned, nil
	}
	if o.Summary.Total != p.Amount {
		p.Status = models.PaymentFailed
		p.FailureReason = string(models.OutcomeAmountMismatch)
		return models.OutcomeAmountMismatch, nil
	}
	if err := s.consumeQuotaLocked(o.Summary.Discounts); err != nil {
		p.Status = models.PaymentFailed
		p.FailureReason = string(models.OutcomeQuotaExhausted)
		return models.OutcomeQuotaExhausted, nil
	}
	p.Status = models.PaymentSuccess
	o.Status = models.OrderPaid
	t := ev.ReceivedAt
	o.PaidAt = &t
	o.UpdatedAt = ev.ReceivedAt
	return models.OutcomePaid, o
}

func (s *Store) RefundOrder(ctx context.Context, r models.Refund) (*models.LedgerEntry, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[r.OrderID]
	if !ok {
		return nil, nil, notFound("order", r.OrderID)
	}
	if o.Status != models.OrderPaid {
		return nil, nil, fmt.Errorf("order %s is %s: %w", o.ID, o.Status, apperr.ErrOrderNotPaid)
	}

	var entry *models.LedgerEntry
	if r.Posting != nil {
		e, err := s.postLocked(*r.Posting, r.EntryID, r.Now)
		if err != nil {
			return nil, nil, err
		}
		cp := *e
		entry = &cp
	}

	var released []string
	for _, id := range s.deliverySeq {
		d := s.deliveries[id]
		if d.OrderID != o.ID {
			continue
		}
		if d.State == models.DeliveryAllocated && d.CredentialID != nil {
			if err := s.releaseLocked(*d.CredentialID, o.ID); err == nil {
				released = append(released, *d.CredentialID)
			}
		}
		if d.State == models.DeliveryAllocated || d.State == models.DeliveryBackordered {
			d.State = models.DeliveryClosed
			t := r.Now
			d.ClosedAt = &t
			d.UpdatedAt = r.Now
		}
	}

	o.Status = models.OrderRefunded
	o.UpdatedAt = r.Now
	return entry, released, nil
}

func (s *Store) AllocateUnit(ctx context.Context, d *models.Delivery, now time.Time) (*models.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := unitKey(d.OrderID, d.UnitIndex)
	cur, exists := s.deliveries[s.unitIndex[key]]
	if exists && cur.State != models.DeliveryBackordered {
		cp := *cur
		return &cp, nil
	}
	if !exists {
		cp := *d
		cp.State = models.DeliveryBackordered
		cp.CreatedAt = now
		cp.UpdatedAt = now
		cur = &cp
		s.deliveries[cur.ID] = cur
		s.unitIndex[key] = cur.ID
		s.deliverySeq = append(s.deliverySeq, cur.ID)
	}

	if e := s.reserveLocked(cur.ProductID, cur.OrderID, now); e != nil {
		id := e.ID
		cur.CredentialID = &id
		cur.State = models.DeliveryAllocated
		cur.UpdatedAt = now
	}
	cp := *cur
	return &cp, nil
}

func (s *Store) ListDeliveries(ctx context.Context, orderID string) ([]*models.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Delivery
	for _, id := range s.deliverySeq {
		if d := s.deliveries[id]; d.OrderID == orderID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitIndex < out[j].UnitIndex })
	return out, nil
}

func (s *Store) RevealDelivery(ctx context.Context, deliveryID string, now, deadline time.Time) (*models.Delivery, *models.CredentialEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[deliveryID]
	if !ok {
		return nil, nil, notFound("delivery", deliveryID)
	}
	if d.State != models.DeliveryAllocated || d.CredentialID == nil {
		return nil, nil, fmt.Errorf("reveal delivery %s in %s: %w", d.ID, d.State, apperr.ErrInvalidTransition)
	}
	if err := s.redeemLocked(*d.CredentialID, d.OrderID, now); err != nil {
		return nil, nil, err
	}

	d.State = models.DeliveryRevealed
	rt, dl := now, deadline
	d.RevealedAt = &rt
	d.RevealDeadline = &dl
	d.UpdatedAt = now

	dc := *d
	ec := *s.credentials[*d.CredentialID]
	return &dc, &ec, nil
}

func (s *Store) MarkEmailed(ctx context.Context, deliveryID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[deliveryID]
	if !ok {
		return notFound("delivery", deliveryID)
	}
	if d.State != models.DeliveryRevealed && d.State != models.DeliveryExpired {
		return fmt.Errorf("mark emailed %s in %s: %w", d.ID, d.State, apperr.ErrInvalidTransition)
	}
	d.Emailed = true
	t := now
	d.EmailedAt = &t
	d.UpdatedAt = now
	return nil
}

func (s *Store) CloseDeliveries(ctx context.Context, orderID string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, d := range s.deliveries {
		if d.OrderID != orderID || d.State == models.DeliveryClosed {
			continue
		}
		if d.State == models.DeliveryAllocated && d.CredentialID != nil {
			_ = s.releaseLocked(*d.CredentialID, orderID)
		}
		d.State = models.DeliveryClosed
		t := now
		d.ClosedAt = &t
		d.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *Store) ExpireDeliveries(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, d := range s.deliveries {
		if d.State == models.DeliveryRevealed && d.RevealDeadline != nil && !now.Before(*d.RevealDeadline) {
			d.State = models.DeliveryExpired
			d.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *Store) CountBackordered(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, d := range s.deliveries {
		if d.State == models.DeliveryBackordered {
			n++
		}
	}
	return n, nil
}
