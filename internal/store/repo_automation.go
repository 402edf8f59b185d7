package store

import (
	"context"
	"time"

	"gorm.io/gorm/clause"
)

func (r *Repo) CreateAutomationRule(ctx context.Context, rule *AutomationRule) error {
	return r.db.WithContext(ctx).Create(rule).Error
}

func (r *Repo) GetAutomationRule(ctx context.Context, id uint) (*AutomationRule, error) {
	var rule AutomationRule
	if err := r.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &rule, nil
}

func (r *Repo) SaveAutomationRule(ctx context.Context, rule *AutomationRule) error {
	return r.db.WithContext(ctx).Save(rule).Error
}

func (r *Repo) DeleteAutomationRule(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Delete(&AutomationRule{}, id).Error
}

func (r *Repo) ListAutomationRules(ctx context.Context, homeID uint) ([]AutomationRule, error) {
	var rows []AutomationRule
	err := r.db.WithContext(ctx).Where("home_id = ?", homeID).Order("id").Find(&rows).Error
	return rows, err
}

func (r *Repo) ListEnabledAutomationRules(ctx context.Context, homeID uint) ([]AutomationRule, error) {
	var rows []AutomationRule
	err := r.db.WithContext(ctx).
		Where("home_id = ? AND enabled = ?", homeID, true).
		Order("id").Find(&rows).Error
	return rows, err
}

// MaxRuleVersion is the home's desired rule-set version: the highest
// version across all of its rules, 0 when the home has none.
func (r *Repo) MaxRuleVersion(ctx context.Context, homeID uint) (int64, error) {
	var v *int64
	err := r.db.WithContext(ctx).Model(&AutomationRule{}).
		Where("home_id = ?", homeID).
		Select("MAX(version)").Scan(&v).Error
	if err != nil || v == nil {
		return 0, err
	}
	return *v, nil
}

// NextRuleVersion allocates a fresh monotonic version for a home's rule
// set. It is derived from the current max so edits always move forward.
func (r *Repo) NextRuleVersion(ctx context.Context, homeID uint) (int64, error) {
	cur, err := r.MaxRuleVersion(ctx, homeID)
	if err != nil {
		return 0, err
	}
	return cur + 1, nil
}

// --- Deployments ---

func (r *Repo) UpsertDeployment(ctx context.Context, d *AutomationDeployment) error {
	d.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hub_id"}, {Name: "home_id"}},
		UpdateAll: true,
	}).Create(d).Error
}

func (r *Repo) GetDeployment(ctx context.Context, hubID string, homeID uint) (*AutomationDeployment, error) {
	var d AutomationDeployment
	if err := r.db.WithContext(ctx).
		Where("hub_id = ? AND home_id = ?", hubID, homeID).First(&d).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (r *Repo) GetDeploymentsForHub(ctx context.Context, hubID string) ([]AutomationDeployment, error) {
	var rows []AutomationDeployment
	err := r.db.WithContext(ctx).Where("hub_id = ?", hubID).Find(&rows).Error
	return rows, err
}

func (r *Repo) GetDeploymentByCmdID(ctx context.Context, cmdID string) (*AutomationDeployment, error) {
	var d AutomationDeployment
	if err := r.db.WithContext(ctx).
		Where("pending_cmd_id = ?", cmdID).First(&d).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (r *Repo) SaveDeployment(ctx context.Context, d *AutomationDeployment) error {
	d.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Save(d).Error
}

// ListDivergedDeployments returns deployments whose applied version lags
// desired and whose retry backoff has elapsed.
func (r *Repo) ListDivergedDeployments(ctx context.Context, now time.Time) ([]AutomationDeployment, error) {
	var rows []AutomationDeployment
	err := r.db.WithContext(ctx).
		Where("applied_version < desired_version AND (next_retry_at IS NULL OR next_retry_at <= ?)", now).
		Find(&rows).Error
	return rows, err
}
