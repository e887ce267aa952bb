// Package billing answers the subscription questions asked before a build is
// accepted and keeps account usage in sync afterwards.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/argos-ci/argos-sub005/internal/models"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gorm.io/gorm"
)

// Reasons reported by CheckIsOutOfCapacity.
const (
	OutOfCapacityTrialing = "trialing"
	OutOfCapacityFlatRate = "flat-rate"
)

// Plan is the paid plan of an account.
type Plan struct {
	ID string
}

// SpendLimit is the reached spend limit of a blocked account.
type SpendLimit struct {
	Cents    int64
	Currency string
}

// Manager exposes the subscription state of one account.
type Manager interface {
	// GetPlan returns the account plan, or nil when there is none.
	GetPlan(ctx context.Context) (*Plan, error)
	// CheckIsOutOfCapacity returns "" when builds may run, otherwise the
	// reason they are blocked.
	CheckIsOutOfCapacity(ctx context.Context) (string, error)
	// CheckSpendLimit returns the limit when it is reached and the account
	// blocks builds past it, nil otherwise.
	CheckSpendLimit(ctx context.Context) (*SpendLimit, error)
	// UpdateUsage recomputes the current period usage.
	UpdateUsage(ctx context.Context) error
}

// ManagerFunc returns the manager of an account.
type ManagerFunc func(ctx context.Context, accountID string) (Manager, error)

// AccountManagers returns a ManagerFunc backed by account rows.
func AccountManagers(db *gorm.DB) ManagerFunc {
	return func(ctx context.Context, accountID string) (Manager, error) {
		m, err := ForAccount(ctx, db, accountID)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

// AccountManager reads subscription state from the account row.
type AccountManager struct {
	db      *gorm.DB
	account *models.Account
}

// ForAccount loads the account and returns its manager.
func ForAccount(ctx context.Context, db *gorm.DB, accountID string) (*AccountManager, error) {
	var account models.Account
	if err := db.WithContext(ctx).Where("id = ?", accountID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("billing: account %s not found", accountID)
		}
		return nil, fmt.Errorf("billing: load account %s: %w", accountID, err)
	}
	return &AccountManager{db: db, account: &account}, nil
}

// Account returns the account the manager reads.
func (m *AccountManager) Account() *models.Account { return m.account }

func (m *AccountManager) GetPlan(context.Context) (*Plan, error) {
	if m.account.PlanID == nil {
		return nil, nil
	}
	return &Plan{ID: *m.account.PlanID}, nil
}

func (m *AccountManager) CheckIsOutOfCapacity(context.Context) (string, error) {
	a := m.account
	if a.ScreenshotsLimit == nil || a.PeriodScreenshots < *a.ScreenshotsLimit {
		return "", nil
	}
	switch {
	case a.SubscriptionStatus == "trialing":
		return OutOfCapacityTrialing, nil
	case a.FlatRate:
		return OutOfCapacityFlatRate, nil
	}
	return "", nil
}

func (m *AccountManager) CheckSpendLimit(context.Context) (*SpendLimit, error) {
	a := m.account
	if !a.BlockWhenSpendHit || a.SpendLimitCents == nil || a.PeriodCostCents < *a.SpendLimitCents {
		return nil, nil
	}
	return &SpendLimit{Cents: *a.SpendLimitCents, Currency: a.Currency}, nil
}

func (m *AccountManager) UpdateUsage(ctx context.Context) error {
	var count int64
	err := m.db.WithContext(ctx).Model(&models.Screenshot{}).
		Joins("JOIN screenshot_buckets ON screenshot_buckets.id = screenshots.screenshot_bucket_id").
		Joins("JOIN projects ON projects.id = screenshot_buckets.project_id").
		Where("projects.account_id = ? AND screenshots.created_at >= ?", m.account.ID, m.account.PeriodStart).
		Count(&count).Error
	if err != nil {
		return fmt.Errorf("billing: count usage of account %s: %w", m.account.ID, err)
	}
	if err := m.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", m.account.ID).
		Update("period_screenshots", count).Error; err != nil {
		return fmt.Errorf("billing: update usage of account %s: %w", m.account.ID, err)
	}
	m.account.PeriodScreenshots = count
	return nil
}

// FormatAmount renders cents in the currency for the given locale.
func FormatAmount(cents int64, code string, tag language.Tag) string {
	unit, err := currency.ParseISO(strings.ToUpper(code))
	if err != nil {
		unit = currency.USD
	}
	p := message.NewPrinter(tag)
	return p.Sprint(currency.Symbol(unit.Amount(float64(cents) / 100)))
}

// SpendLimitMessage is the client-facing message of a blocked build.
func SpendLimitMessage(limit *SpendLimit) string {
	return fmt.Sprintf("Build rejected: the spend limit of %s has been reached for this billing period.",
		FormatAmount(limit.Cents, limit.Currency, language.English))
}
