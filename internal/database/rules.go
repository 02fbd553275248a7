package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/tradewatch/alert-service/internal/models"
)

// CreateRule inserts a new trading rule
func (db *DB) CreateRule(r *models.Rule) error {
	query := `
		INSERT INTO rules (name, description, rule_type, config_yaml, enabled, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	now := time.Now()
	err := db.conn.QueryRow(query,
		r.Name, nullString(r.Description), r.RuleType, r.ConfigYAML, r.Enabled, r.Priority,
		now, now,
	).Scan(&r.ID)

	if err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}
	r.CreatedAt = now
	r.UpdatedAt = now
	return nil
}

// GetRuleByID retrieves a rule by ID
func (db *DB) GetRuleByID(id int) (*models.Rule, error) {
	query := `
		SELECT id, name, description, rule_type, config_yaml, enabled, priority, created_at, updated_at
		FROM rules
		WHERE id = $1
	`
	return db.scanRule(db.conn.QueryRow(query, id))
}

// GetRuleByName retrieves a rule by its unique name
func (db *DB) GetRuleByName(name string) (*models.Rule, error) {
	query := `
		SELECT id, name, description, rule_type, config_yaml, enabled, priority, created_at, updated_at
		FROM rules
		WHERE name = $1
	`
	return db.scanRule(db.conn.QueryRow(query, name))
}

func (db *DB) scanRule(row *sql.Row) (*models.Rule, error) {
	var r models.Rule
	var description sql.NullString

	err := row.Scan(
		&r.ID, &r.Name, &description, &r.RuleType, &r.ConfigYAML,
		&r.Enabled, &r.Priority, &r.CreatedAt, &r.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	if description.Valid {
		r.Description = description.String
	}
	return &r, nil
}

// GetAllRules retrieves every rule ordered by priority
func (db *DB) GetAllRules() ([]*models.Rule, error) {
	query := `
		SELECT id, name, description, rule_type, config_yaml, enabled, priority, created_at, updated_at
		FROM rules
		ORDER BY priority DESC, name ASC
	`
	return db.scanRules(db.conn.Query(query))
}

// GetEnabledRules retrieves all enabled rules ordered by priority
func (db *DB) GetEnabledRules() ([]*models.Rule, error) {
	query := `
		SELECT id, name, description, rule_type, config_yaml, enabled, priority, created_at, updated_at
		FROM rules
		WHERE enabled = true
		ORDER BY priority DESC, name ASC
	`
	return db.scanRules(db.conn.Query(query))
}

func (db *DB) scanRules(rows *sql.Rows, err error) ([]*models.Rule, error) {
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []*models.Rule
	for rows.Next() {
		var r models.Rule
		var description sql.NullString

		err := rows.Scan(
			&r.ID, &r.Name, &description, &r.RuleType, &r.ConfigYAML,
			&r.Enabled, &r.Priority, &r.CreatedAt, &r.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}

		if description.Valid {
			r.Description = description.String
		}
		rules = append(rules, &r)
	}

	return rules, rows.Err()
}

// UpdateRule updates an existing rule
func (db *DB) UpdateRule(r *models.Rule) error {
	query := `
		UPDATE rules SET
			name = $2, description = $3, rule_type = $4, config_yaml = $5,
			enabled = $6, priority = $7, updated_at = $8
		WHERE id = $1
	`
	r.UpdatedAt = time.Now()
	result, err := db.conn.Exec(query,
		r.ID, r.Name, nullString(r.Description), r.RuleType, r.ConfigYAML,
		r.Enabled, r.Priority, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("rule not found: %d", r.ID)
	}
	return nil
}

// DeleteRule removes a rule by ID
func (db *DB) DeleteRule(id int) error {
	query := `DELETE FROM rules WHERE id = $1`
	result, err := db.conn.Exec(query, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("rule not found: %d", id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
