package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradewatch/alert-service/internal/models"
)

// CreateAlert inserts a single alert
func (db *DB) CreateAlert(a *models.Alert) error {
	query := `
		INSERT INTO alerts (
			rule_id, symbol, timestamp, setup_type, entry_price, stop_loss,
			target_price, confidence_score, market_data, is_read, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`
	now := time.Now()
	err := db.conn.QueryRow(query,
		nullIntPtr(a.RuleID), a.Symbol, a.Timestamp, a.SetupType, a.EntryPrice,
		nullDecimalPtr(a.StopLoss), nullDecimalPtr(a.TargetPrice),
		nullFloatPtr(a.ConfidenceScore), nullJSON(a.MarketData), a.IsRead, now,
	).Scan(&a.ID)

	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	a.CreatedAt = now
	return nil
}

// CreateAlerts persists a batch of alerts in one transaction. A failure on
// one alert rolls back only that row (per-row savepoint) and the remaining
// alerts still commit. Returns the alerts that were persisted; the error, if
// non-nil, aggregates the per-row failures.
func (db *DB) CreateAlerts(alerts []*models.Alert) ([]*models.Alert, error) {
	if len(alerts) == 0 {
		return nil, nil
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO alerts (
			rule_id, symbol, timestamp, setup_type, entry_price, stop_loss,
			target_price, confidence_score, market_data, is_read, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`

	now := time.Now()
	var saved []*models.Alert
	var rowErrs []error

	for i, a := range alerts {
		sp := fmt.Sprintf("alert_%d", i)
		if _, err := tx.Exec("SAVEPOINT " + sp); err != nil {
			return nil, fmt.Errorf("failed to create savepoint: %w", err)
		}

		err := tx.QueryRow(query,
			nullIntPtr(a.RuleID), a.Symbol, a.Timestamp, a.SetupType, a.EntryPrice,
			nullDecimalPtr(a.StopLoss), nullDecimalPtr(a.TargetPrice),
			nullFloatPtr(a.ConfidenceScore), nullJSON(a.MarketData), a.IsRead, now,
		).Scan(&a.ID)

		if err != nil {
			rowErrs = append(rowErrs, fmt.Errorf("alert for %s (%s): %w", a.Symbol, a.SetupType, err))
			if _, err := tx.Exec("ROLLBACK TO SAVEPOINT " + sp); err != nil {
				return nil, fmt.Errorf("failed to roll back savepoint: %w", err)
			}
			continue
		}

		a.CreatedAt = now
		saved = append(saved, a)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit alerts: %w", err)
	}

	return saved, errors.Join(rowErrs...)
}

// GetAlertByID retrieves an alert by ID
func (db *DB) GetAlertByID(id int) (*models.Alert, error) {
	query := `
		SELECT id, rule_id, symbol, timestamp, setup_type, entry_price, stop_loss,
		       target_price, confidence_score, market_data, is_read, created_at
		FROM alerts
		WHERE id = $1
	`
	alerts, err := db.scanAlerts(db.conn.Query(query, id))
	if err != nil {
		return nil, err
	}
	if len(alerts) == 0 {
		return nil, fmt.Errorf("alert not found: %d", id)
	}
	return alerts[0], nil
}

// GetRecentAlerts retrieves the most recent alerts across all symbols
func (db *DB) GetRecentAlerts(limit int) ([]*models.Alert, error) {
	query := `
		SELECT id, rule_id, symbol, timestamp, setup_type, entry_price, stop_loss,
		       target_price, confidence_score, market_data, is_read, created_at
		FROM alerts
		ORDER BY timestamp DESC
		LIMIT $1
	`
	return db.scanAlerts(db.conn.Query(query, limit))
}

// GetAlertsBySymbol retrieves recent alerts for one symbol
func (db *DB) GetAlertsBySymbol(symbol string, limit int) ([]*models.Alert, error) {
	query := `
		SELECT id, rule_id, symbol, timestamp, setup_type, entry_price, stop_loss,
		       target_price, confidence_score, market_data, is_read, created_at
		FROM alerts
		WHERE symbol = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`
	return db.scanAlerts(db.conn.Query(query, symbol, limit))
}

func (db *DB) scanAlerts(rows *sql.Rows, err error) ([]*models.Alert, error) {
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		var a models.Alert
		var ruleID sql.NullInt64
		var stopLoss, targetPrice, entryPrice sql.NullString
		var confidenceScore sql.NullFloat64
		var marketData []byte

		err := rows.Scan(
			&a.ID, &ruleID, &a.Symbol, &a.Timestamp, &a.SetupType, &entryPrice,
			&stopLoss, &targetPrice, &confidenceScore, &marketData, &a.IsRead, &a.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}

		if ruleID.Valid {
			id := int(ruleID.Int64)
			a.RuleID = &id
		}
		if entryPrice.Valid {
			a.EntryPrice, _ = decimal.NewFromString(entryPrice.String)
		}
		if stopLoss.Valid {
			d, _ := decimal.NewFromString(stopLoss.String)
			a.StopLoss = &d
		}
		if targetPrice.Valid {
			d, _ := decimal.NewFromString(targetPrice.String)
			a.TargetPrice = &d
		}
		if confidenceScore.Valid {
			a.ConfidenceScore = &confidenceScore.Float64
		}
		if len(marketData) > 0 {
			a.MarketData = json.RawMessage(marketData)
		}

		alerts = append(alerts, &a)
	}

	return alerts, rows.Err()
}

// MarkAlertRead flags an alert as read
func (db *DB) MarkAlertRead(id int) error {
	query := `UPDATE alerts SET is_read = true WHERE id = $1`
	result, err := db.conn.Exec(query, id)
	if err != nil {
		return fmt.Errorf("failed to mark alert read: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("alert not found: %d", id)
	}
	return nil
}

// DeleteAlertsOlderThan removes alerts with a timestamp before the given date
func (db *DB) DeleteAlertsOlderThan(date time.Time) (int64, error) {
	query := `DELETE FROM alerts WHERE timestamp < $1`
	result, err := db.conn.Exec(query, date)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old alerts: %w", err)
	}
	return result.RowsAffected()
}

func nullIntPtr(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullDecimalPtr(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return *d
}

func nullFloatPtr(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
