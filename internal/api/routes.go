package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all API routes
func SetupRoutes(handler *Handler, ws http.HandlerFunc) *mux.Router {
	r := mux.NewRouter()

	// Health check
	r.HandleFunc("/health", handler.HealthCheck).Methods("GET")

	// WebSocket subscriptions
	r.HandleFunc("/ws", ws)

	api := r.PathPrefix("/api/v1").Subrouter()

	// Rule routes
	api.HandleFunc("/rules", handler.GetAllRules).Methods("GET")
	api.HandleFunc("/rules", handler.CreateRule).Methods("POST")
	api.HandleFunc("/rules/{id}", handler.GetRule).Methods("GET")
	api.HandleFunc("/rules/{id}", handler.UpdateRule).Methods("PUT")
	api.HandleFunc("/rules/{id}", handler.DeleteRule).Methods("DELETE")

	// Alert routes
	api.HandleFunc("/alerts", handler.GetAlerts).Methods("GET")
	api.HandleFunc("/alerts/{id}", handler.GetAlert).Methods("GET")
	api.HandleFunc("/alerts/{id}/read", handler.MarkAlertRead).Methods("POST")

	// Watchlist routes
	api.HandleFunc("/watchlist", handler.GetWatchlist).Methods("GET")
	api.HandleFunc("/watchlist", handler.AddWatchlistItem).Methods("POST")
	api.HandleFunc("/watchlist/{symbol}", handler.RemoveWatchlistItem).Methods("DELETE")

	// Market data routes
	api.HandleFunc("/market-data/{symbol}", handler.GetMarketData).Methods("GET")

	return r
}
