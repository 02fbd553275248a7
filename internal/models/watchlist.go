package models

import (
	"time"
)

// WatchlistItem represents a symbol on the monitoring watchlist
type WatchlistItem struct {
	ID       int       `json:"id"`
	Symbol   string    `json:"symbol"`
	IsActive bool      `json:"is_active"`
	Notes    string    `json:"notes,omitempty"`
	AddedAt  time.Time `json:"added_at"`
}
