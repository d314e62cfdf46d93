package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/comigor/leadbot/internal/followup"
	"github.com/comigor/leadbot/internal/logger"
)

type gatewayStatus interface {
	Connected() bool
	Logout(ctx context.Context) error
}

type sessionCounter interface {
	Len() int
}

type pendingLister interface {
	Pending() []followup.Entry
}

type healthResponse struct {
	Status           string `json:"status"`
	Connected        bool   `json:"connected"`
	Sessions         int    `json:"sessions"`
	PendingFollowUps int    `json:"pending_follow_ups"`
}

// newAdminMux serves GET /healthz and POST /logout.
func newAdminMux(gw gatewayStatus, sessions sessionCounter, pending pendingLister) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		resp := healthResponse{
			Status:           "ok",
			Connected:        gw.Connected(),
			Sessions:         sessions.Len(),
			PendingFollowUps: len(pending.Pending()),
		}
		code := http.StatusOK
		if !resp.Connected {
			resp.Status = "disconnected"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.L.Error("encode health response", "error", err)
		}
	})

	// logout ends the transport session for good; the process then exits
	mux.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := gw.Logout(r.Context()); err != nil {
			logger.L.Error("logout failed", "error", err)
			http.Error(w, "logout failed", http.StatusInternalServerError)
			return
		}
		logger.L.Info("logout requested")
		w.WriteHeader(http.StatusAccepted)
	})

	return mux
}
