package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tradewatch/alert-service/internal/models"
)

// AddWatchlistItem adds a symbol to the watchlist, reactivating it if present
func (db *DB) AddWatchlistItem(item *models.WatchlistItem) error {
	query := `
		INSERT INTO watchlist (symbol, is_active, notes, added_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (symbol) DO UPDATE SET
			is_active = EXCLUDED.is_active,
			notes = EXCLUDED.notes
		RETURNING id
	`
	item.Symbol = strings.ToUpper(item.Symbol)
	now := time.Now()
	err := db.conn.QueryRow(query,
		item.Symbol, item.IsActive, nullString(item.Notes), now,
	).Scan(&item.ID)

	if err != nil {
		return fmt.Errorf("failed to add watchlist item: %w", err)
	}
	item.AddedAt = now
	return nil
}

// GetWatchlist retrieves all watchlist items
func (db *DB) GetWatchlist() ([]*models.WatchlistItem, error) {
	query := `
		SELECT id, symbol, is_active, notes, added_at
		FROM watchlist
		ORDER BY symbol ASC
	`
	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query watchlist: %w", err)
	}
	defer rows.Close()

	var items []*models.WatchlistItem
	for rows.Next() {
		var item models.WatchlistItem
		var notes sql.NullString

		if err := rows.Scan(&item.ID, &item.Symbol, &item.IsActive, &notes, &item.AddedAt); err != nil {
			return nil, fmt.Errorf("failed to scan watchlist item: %w", err)
		}
		if notes.Valid {
			item.Notes = notes.String
		}
		items = append(items, &item)
	}

	return items, rows.Err()
}

// GetActiveWatchlistSymbols retrieves the symbols monitored at startup
func (db *DB) GetActiveWatchlistSymbols() ([]string, error) {
	query := `SELECT symbol FROM watchlist WHERE is_active = true ORDER BY symbol ASC`
	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query watchlist symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, fmt.Errorf("failed to scan watchlist symbol: %w", err)
		}
		symbols = append(symbols, symbol)
	}

	return symbols, rows.Err()
}

// RemoveWatchlistItem removes a symbol from the watchlist
func (db *DB) RemoveWatchlistItem(symbol string) error {
	query := `DELETE FROM watchlist WHERE symbol = $1`
	result, err := db.conn.Exec(query, strings.ToUpper(symbol))
	if err != nil {
		return fmt.Errorf("failed to remove watchlist item: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("watchlist item not found: %s", symbol)
	}
	return nil
}
