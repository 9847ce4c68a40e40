package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/pdf2md-billing/pkg/db/models"
	"github.com/angelmondragon/pdf2md-billing/pkg/enums"
	"github.com/angelmondragon/pdf2md-billing/pkg/pagination"
)

// ErrInsufficientCredits is returned when a decrement would take the credit
// balance below zero.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Repository persists balances, subscriptions, payment history, settlement
// claims and page usage. All writes are scoped to a single user row.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	IncrementBalance(ctx context.Context, userID string, credits int64) (*models.CreditBalance, error)
	DecrementBalance(ctx context.Context, userID string, credits int64) error
	GetBalance(ctx context.Context, userID string) (*models.CreditBalance, error)

	GetSubscription(ctx context.Context, userID string, forUpdate bool) (*models.Subscription, error)
	FindSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string, forUpdate bool) (*models.Subscription, error)
	FindUserIDByCustomer(ctx context.Context, stripeCustomerID string) (string, error)
	CreateSubscriptionIfAbsent(ctx context.Context, sub *models.Subscription) (*models.Subscription, error)
	UpsertSubscription(ctx context.Context, sub *models.Subscription, onConflict map[string]any) error
	UpdateSubscription(ctx context.Context, userID string, fields map[string]any) error
	RollFreePeriod(ctx context.Context, userID string, now time.Time) (bool, error)
	ListStalePaidSubscriptions(ctx context.Context, periodEndBefore time.Time, limit int) ([]models.Subscription, error)

	AppendPayment(ctx context.Context, record *models.PaymentRecord) error
	ListPayments(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]models.PaymentRecord, error)

	ClaimSettlement(ctx context.Context, claim *models.SettledEvent) (bool, error)
	IsSettled(ctx context.Context, settlementKey string) (bool, error)
	RecordUsage(ctx context.Context, usage *models.PageUsage) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// IncrementBalance adds credits in a single upsert statement, creating the
// row on first purchase. It is not idempotent: every call adds.
func (r *repository) IncrementBalance(ctx context.Context, userID string, credits int64) (*models.CreditBalance, error) {
	now := time.Now().UTC()
	row := models.CreditBalance{UserID: userID, Balance: credits, LastUpdated: now}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"balance":      gorm.Expr("credit_balances.balance + ?", credits),
				"last_updated": now,
			}),
		}).
		Create(&row).Error
	if err != nil {
		return nil, err
	}
	return r.GetBalance(ctx, userID)
}

// DecrementBalance subtracts credits only when enough remain.
func (r *repository) DecrementBalance(ctx context.Context, userID string, credits int64) error {
	res := r.db.WithContext(ctx).
		Model(&models.CreditBalance{}).
		Where("user_id = ? AND balance >= ?", userID, credits).
		Updates(map[string]any{
			"balance":      gorm.Expr("balance - ?", credits),
			"last_updated": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInsufficientCredits
	}
	return nil
}

// GetBalance returns the stored balance, or a zero balance when the user has
// never purchased credits.
func (r *repository) GetBalance(ctx context.Context, userID string) (*models.CreditBalance, error) {
	var row models.CreditBalance
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.CreditBalance{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repository) GetSubscription(ctx context.Context, userID string, forUpdate bool) (*models.Subscription, error) {
	return r.firstSubscription(ctx, forUpdate, "user_id = ?", userID)
}

func (r *repository) FindSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string, forUpdate bool) (*models.Subscription, error) {
	if stripeSubscriptionID == "" {
		return nil, nil
	}
	return r.firstSubscription(ctx, forUpdate, "stripe_subscription_id = ?", stripeSubscriptionID)
}

func (r *repository) FindUserIDByCustomer(ctx context.Context, stripeCustomerID string) (string, error) {
	if stripeCustomerID == "" {
		return "", nil
	}
	sub, err := r.firstSubscription(ctx, false, "stripe_customer_id = ?", stripeCustomerID)
	if err != nil || sub == nil {
		return "", err
	}
	return sub.UserID, nil
}

func (r *repository) firstSubscription(ctx context.Context, forUpdate bool, query string, args ...any) (*models.Subscription, error) {
	q := r.db.WithContext(ctx).Where(query, args...)
	if forUpdate {
		q = lockForUpdate(q)
	}
	var sub models.Subscription
	err := q.First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// CreateSubscriptionIfAbsent inserts sub unless a row already exists and
// returns whichever row won.
func (r *repository) CreateSubscriptionIfAbsent(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(sub).Error; err != nil {
		return nil, err
	}
	return r.GetSubscription(ctx, sub.UserID, false)
}

// UpsertSubscription inserts sub, or applies only the onConflict columns to
// an existing row.
func (r *repository) UpsertSubscription(ctx context.Context, sub *models.Subscription, onConflict map[string]any) error {
	fields := make(map[string]any, len(onConflict)+1)
	for k, v := range onConflict {
		fields[k] = v
	}
	fields["updated_at"] = time.Now().UTC()
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(fields),
		}).
		Create(sub).Error
}

func (r *repository) UpdateSubscription(ctx context.Context, userID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("user_id = ?", userID).
		Updates(fields).Error
}

// RollFreePeriod starts a new free-tier period when the current one has ended
// at now. The update is conditional on the period still being lapsed, so a
// concurrent writer that already rolled (and charged) the period wins and
// false is returned.
func (r *repository) RollFreePeriod(ctx context.Context, userID string, now time.Time) (bool, error) {
	start, end := NextPeriod(now)
	res := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("user_id = ? AND tier_id = ? AND current_period_end <= ?", userID, enums.TierFree, now).
		Updates(map[string]any{
			"pages_used_this_month": 0,
			"current_period_start":  start,
			"current_period_end":    end,
			"updated_at":            now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) ListStalePaidSubscriptions(ctx context.Context, periodEndBefore time.Time, limit int) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("stripe_subscription_id IS NOT NULL AND current_period_end < ?", periodEndBefore).
		Order("current_period_end ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

func (r *repository) AppendPayment(ctx context.Context, record *models.PaymentRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(record).Error
}

// ListPayments returns payments newest first, starting after the cursor
// when one is given.
func (r *repository) ListPayments(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]models.PaymentRecord, error) {
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if after != nil {
		q = q.Where("(created_at < ?) OR (created_at = ? AND id < ?)", after.CreatedAt, after.CreatedAt, after.ID)
	}
	var rows []models.PaymentRecord
	err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// ClaimSettlement records the settlement key. It reports false when the key
// was already claimed by an earlier delivery.
func (r *repository) ClaimSettlement(ctx context.Context, claim *models.SettledEvent) (bool, error) {
	if claim.CreatedAt.IsZero() {
		claim.CreatedAt = time.Now().UTC()
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "settlement_key"}}, DoNothing: true}).
		Create(claim)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) IsSettled(ctx context.Context, settlementKey string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&models.SettledEvent{}).
		Where("settlement_key = ?", settlementKey).
		Count(&n).Error
	return n > 0, err
}

func (r *repository) RecordUsage(ctx context.Context, usage *models.PageUsage) error {
	if usage.ID == uuid.Nil {
		usage.ID = uuid.New()
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(usage).Error
}

// lockForUpdate adds SELECT ... FOR UPDATE on Postgres. sqlite serialises
// writers on its own.
func lockForUpdate(q *gorm.DB) *gorm.DB {
	if q.Dialector != nil && q.Dialector.Name() == "postgres" {
		return q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q
}
