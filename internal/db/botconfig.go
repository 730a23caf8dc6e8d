package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/novacoinotc/p2p-merchant-engine/pkg/models"
)

const botConfigColumns = `merchant_id, release_enabled, positioning_enabled, positioning_mode,
	follow_target, follow_target_user_no, follow_match_price, follow_undercut_cents,
	undercut_cents, match_price, smart_min_order_count, smart_min_finish_rate,
	smart_min_positive_rate, smart_min_user_grade, smart_require_online, smart_min_surplus,
	min_margin_percent, max_margin_percent, ignored_advertisers, positioning_configs,
	last_positioning_at, last_order_poll_at, updated_at`

func scanBotConfig(row pgx.Row) (*models.BotConfig, error) {
	var c models.BotConfig
	var ignoredJSON, overridesJSON []byte
	err := row.Scan(&c.MerchantID, &c.ReleaseEnabled, &c.PositioningEnabled, &c.PositioningMode,
		&c.FollowTarget, &c.FollowTargetUserNo, &c.FollowMatchPrice, &c.FollowUndercutCents,
		&c.UndercutCents, &c.MatchPrice, &c.SmartMinOrderCount, &c.SmartMinFinishRate,
		&c.SmartMinPositiveRate, &c.SmartMinUserGrade, &c.SmartRequireOnline, &c.SmartMinSurplus,
		&c.MinMarginPercent, &c.MaxMarginPercent, &ignoredJSON, &overridesJSON,
		&c.LastPositioningAt, &c.LastOrderPollAt, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(ignoredJSON) > 0 {
		_ = json.Unmarshal(ignoredJSON, &c.IgnoredAdvertisers)
	}
	if len(overridesJSON) > 0 {
		_ = json.Unmarshal(overridesJSON, &c.PositioningConfigs)
	}
	return &c, nil
}

// GetBotConfig loads the merchant's engine configuration. The loops call
// this every tick — it is the live kill switch.
func (s *PostgresStore) GetBotConfig(ctx context.Context, mc MerchantContext) (*models.BotConfig, error) {
	if err := mc.check(); err != nil {
		return nil, err
	}
	sql := `SELECT ` + botConfigColumns + ` FROM bot_configs WHERE merchant_id = $1`
	return scanBotConfig(s.pool.QueryRow(ctx, sql, mc.MerchantID))
}

// EnsureBotConfig creates the default config row if the merchant does not
// have one yet, then returns it.
func (s *PostgresStore) EnsureBotConfig(ctx context.Context, mc MerchantContext) (*models.BotConfig, error) {
	if err := mc.check(); err != nil {
		return nil, err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bot_configs (merchant_id) VALUES ($1)
		ON CONFLICT (merchant_id) DO NOTHING;
	`, mc.MerchantID)
	if err != nil {
		return nil, err
	}
	return s.GetBotConfig(ctx, mc)
}

// SaveBotConfig writes dashboard edits back in full.
func (s *PostgresStore) SaveBotConfig(ctx context.Context, mc MerchantContext, c *models.BotConfig) error {
	if err := mc.check(); err != nil {
		return err
	}
	ignored := c.IgnoredAdvertisers
	if ignored == nil {
		ignored = []string{}
	}
	ignoredJSON, err := json.Marshal(ignored)
	if err != nil {
		return fmt.Errorf("marshal ignored advertisers: %w", err)
	}
	overrides := c.PositioningConfigs
	if overrides == nil {
		overrides = map[string]models.PositioningOverride{}
	}
	overridesJSON, err := json.Marshal(overrides)
	if err != nil {
		return fmt.Errorf("marshal positioning configs: %w", err)
	}

	sql := `
		UPDATE bot_configs SET
			release_enabled = $2, positioning_enabled = $3, positioning_mode = $4,
			follow_target = $5, follow_target_user_no = $6, follow_match_price = $7,
			follow_undercut_cents = $8, undercut_cents = $9, match_price = $10,
			smart_min_order_count = $11, smart_min_finish_rate = $12,
			smart_min_positive_rate = $13, smart_min_user_grade = $14,
			smart_require_online = $15, smart_min_surplus = $16,
			min_margin_percent = $17, max_margin_percent = $18,
			ignored_advertisers = $19, positioning_configs = $20,
			updated_at = NOW()
		WHERE merchant_id = $1;
	`
	tag, err := s.pool.Exec(ctx, sql, mc.MerchantID,
		c.ReleaseEnabled, c.PositioningEnabled, c.PositioningMode,
		c.FollowTarget, c.FollowTargetUserNo, c.FollowMatchPrice,
		c.FollowUndercutCents, c.UndercutCents, c.MatchPrice,
		c.SmartMinOrderCount, c.SmartMinFinishRate,
		c.SmartMinPositiveRate, c.SmartMinUserGrade,
		c.SmartRequireOnline, c.SmartMinSurplus,
		c.MinMarginPercent, c.MaxMarginPercent,
		ignoredJSON, overridesJSON)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchEngineActivity stamps the last-activity column for one engine
// ("positioning" or "orders").
func (s *PostgresStore) TouchEngineActivity(ctx context.Context, mc MerchantContext, engine string) error {
	if err := mc.check(); err != nil {
		return err
	}
	var sql string
	switch engine {
	case "positioning":
		sql = `UPDATE bot_configs SET last_positioning_at = NOW() WHERE merchant_id = $1`
	case "orders":
		sql = `UPDATE bot_configs SET last_order_poll_at = NOW() WHERE merchant_id = $1`
	default:
		return fmt.Errorf("unknown engine: %s", engine)
	}
	_, err := s.pool.Exec(ctx, sql, mc.MerchantID)
	return err
}
