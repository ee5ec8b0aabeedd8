package main

import (
	"context"
	"encoding/json"
	"net/http"

	"consultancy-chat/internal/realtime"
)

type healthResponse struct {
	Status string `json:"status"`
	Online int    `json:"online"` // distinct users connected to this instance
}

func healthHandler(ping func(context.Context) error, presence *realtime.Presence) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, code := healthResponse{Status: "ok"}, http.StatusOK
		if err := ping(r.Context()); err != nil {
			res.Status, code = "database unavailable", http.StatusServiceUnavailable
		}
		res.Online = presence.Total()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(res)
	}
}
