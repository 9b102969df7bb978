package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Tier string

const (
	TierMember   Tier = "member"
	TierReseller Tier = "reseller"
)

type Product struct {
	ID                string
	Name              string
	MemberPrice       int64
	ResellerPrice     int64
	TrackStock        bool
	LowStockThreshold int64
	Active            bool
}

// PriceFor returns the unit price for a buyer tier.
func (p *Product) PriceFor(tier Tier) int64 {
	if tier == TierReseller && p.ResellerPrice > 0 {
		return p.ResellerPrice
	}
	return p.MemberPrice
}

type CredentialStatus string

const (
	CredentialAvailable CredentialStatus = "AVAILABLE"
	CredentialReserved  CredentialStatus = "RESERVED"
	CredentialRedeemed  CredentialStatus = "REDEEMED"
	CredentialRevoked   CredentialStatus = "REVOKED"
)

type CredentialEntry struct {
	ID          string
	ProductID   string
	IntakeID    string
	SealedKey   []byte
	Fingerprint []byte
	Status      CredentialStatus
	OrderID     *string
	Note        string
	ReservedAt  *time.Time
	RedeemedAt  *time.Time
	RevokedAt   *time.Time
	CreatedAt   time.Time
}

type StockIntake struct {
	ID        string
	ProductID string
	Quantity  int
	Actor     string
	CreatedAt time.Time
}

type CredentialCounts struct {
	Available int64 `json:"available"`
	Reserved  int64 `json:"reserved"`
	Redeemed  int64 `json:"redeemed"`
	Revoked   int64 `json:"revoked"`
}

func (c CredentialCounts) Total() int64 {
	return c.Available + c.Reserved + c.Redeemed + c.Revoked
}

type OrderStatus string

const (
	OrderPending  OrderStatus = "PENDING"
	OrderPaid     OrderStatus = "PAID"
	OrderFailed   OrderStatus = "FAILED"
	OrderRefunded OrderStatus = "REFUNDED"
)

type LineItem struct {
	ProductID string `json:"product_id"`
	Qty       int64  `json:"qty"`
	UnitPrice int64  `json:"unit_price"`
	LineTotal int64  `json:"line_total"`
}

type AppliedDiscount struct {
	CampaignID  int64       `json:"campaign_id"`
	Code        string      `json:"code,omitempty"`
	StackPolicy StackPolicy `json:"stack_policy"`
	Amount      int64       `json:"amount"`
	QuotaBound  bool        `json:"quota_bound"`
}

type Summary struct {
	Subtotal      int64             `json:"subtotal"`
	DiscountTotal int64             `json:"discount_total"`
	TaxPercent    decimal.Decimal   `json:"tax_percent"`
	TaxAmount     int64             `json:"tax_amount"`
	Total         int64             `json:"total"`
	Discounts     []AppliedDiscount `json:"discounts,omitempty"`
}

type Order struct {
	ID          string
	UserID      string
	InvoiceNo   string
	Status      OrderStatus
	Tier        Tier
	VoucherCode string
	Items       []LineItem
	Summary     Summary
	PaidAt      *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Units is the number of credentials the order needs.
func (o *Order) Units() int64 {
	var n int64
	for _, it := range o.Items {
		n += it.Qty
	}
	return n
}

type PaymentMethod string

const (
	MethodGateway PaymentMethod = "gateway"
	MethodWallet  PaymentMethod = "wallet"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentSuccess PaymentStatus = "SUCCESS"
	PaymentFailed  PaymentStatus = "FAILED"
)

type Payment struct {
	ID            string
	OrderID       string
	UserID        string
	Method        PaymentMethod
	Status        PaymentStatus
	Amount        int64
	SessionRef    string
	RedirectURL   string
	FailureReason string
	LedgerEntryID *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type GatewayEventType string

const (
	EventPaymentSucceeded GatewayEventType = "payment.succeeded"
	EventPaymentFailed    GatewayEventType = "payment.failed"
)

type GatewayEvent struct {
	EventID    string
	Type       GatewayEventType
	SessionRef string
	Amount     int64
	Payload    []byte
	ReceivedAt time.Time
}

// GatewayOutcome describes what applying a gateway event did.
type GatewayOutcome string

const (
	OutcomeDuplicate      GatewayOutcome = "duplicate"
	OutcomeIgnored        GatewayOutcome = "ignored"
	OutcomePaid           GatewayOutcome = "paid"
	OutcomeFailed         GatewayOutcome = "failed"
	OutcomeAmountMismatch GatewayOutcome = "amount_mismatch"
	// OutcomeQuotaExhausted is money captured for an order whose quota-bound discount
	// ran out before capture. The order stays PENDING and needs manual reconciliation.
	OutcomeQuotaExhausted GatewayOutcome = "quota_exhausted"
	// OutcomeOrphaned is money captured for an order that is no longer PENDING.
	// It needs manual reconciliation.
	OutcomeOrphaned GatewayOutcome = "orphaned"
)

// WalletSettlement debits a wallet and marks an order PAID as one unit.
type WalletSettlement struct {
	OrderID string
	Payment *Payment
	Posting Posting
	EntryID string
	Now     time.Time
}

// Refund moves a PAID order to REFUNDED. Posting is nil unless the order was paid
// from the wallet.
type Refund struct {
	OrderID string
	Posting *Posting
	EntryID string
	Now     time.Time
}

type DeliveryState string

const (
	DeliveryAllocated   DeliveryState = "ALLOCATED"
	DeliveryBackordered DeliveryState = "BACKORDERED"
	DeliveryRevealed    DeliveryState = "REVEALED"
	DeliveryExpired     DeliveryState = "EXPIRED"
	DeliveryClosed      DeliveryState = "CLOSED"
)

type Delivery struct {
	ID             string
	OrderID        string
	UnitIndex      int
	ProductID      string
	CredentialID   *string
	State          DeliveryState
	RevealedAt     *time.Time
	RevealDeadline *time.Time
	ClosedAt       *time.Time
	Emailed        bool
	EmailedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EffectiveState evaluates the reveal deadline lazily.
func (d *Delivery) EffectiveState(now time.Time) DeliveryState {
	if d.State == DeliveryRevealed && d.RevealDeadline != nil && !now.Before(*d.RevealDeadline) {
		return DeliveryExpired
	}
	return d.State
}

type Wallet struct {
	ID        string
	UserID    string
	Code      string
	Balance   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Direction string

const (
	Credit Direction = "CREDIT"
	Debit  Direction = "DEBIT"
)

type EntryKind string

const (
	KindTopup      EntryKind = "TOPUP"
	KindPurchase   EntryKind = "PURCHASE"
	KindRefund     EntryKind = "REFUND"
	KindAdjustment EntryKind = "ADJUSTMENT"
)

type LedgerEntry struct {
	ID            string
	Seq           int64
	WalletID      string
	Direction     Direction
	Amount        int64
	BalanceBefore int64
	BalanceAfter  int64
	Kind          EntryKind
	Reference     string
	Note          string
	Actor         string
	CreatedAt     time.Time
}

// Posting is a balance change request against one wallet.
type Posting struct {
	WalletID  string
	Direction Direction
	Amount    int64
	Kind      EntryKind
	Reference string
	Note      string
	Actor     string
}

type DiscountType string

const (
	DiscountFixed   DiscountType = "fixed"
	DiscountPercent DiscountType = "percent"
)

type StackPolicy string

const (
	Stackable StackPolicy = "stackable"
	Exclusive StackPolicy = "exclusive"
)

type Campaign struct {
	ID          int64
	Code        string
	Name        string
	Type        DiscountType
	Value       int64
	MaxDiscount int64
	Quota       int64
	QuotaUsed   int64
	MinPurchase int64
	StartsAt    time.Time
	EndsAt      *time.Time
	StackPolicy StackPolicy
	Priority    int
	Active      bool
}

// ValidAt reports whether the campaign window contains now.
func (c *Campaign) ValidAt(now time.Time) bool {
	if !c.Active || now.Before(c.StartsAt) {
		return false
	}
	return c.EndsAt == nil || now.Before(*c.EndsAt)
}

func (c *Campaign) QuotaLeft() bool {
	return c.Quota == 0 || c.QuotaUsed < c.Quota
}
