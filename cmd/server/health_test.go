package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"consultancy-chat/internal/realtime"

	"github.com/stretchr/testify/assert"
)

func TestHealthHandler(t *testing.T) {
	presence := realtime.NewPresence()
	presence.Add(realtime.RoomFor("acme"), 1)
	presence.Add(realtime.RoomFor("acme"), 2)
	presence.Add(realtime.SystemRoom, 3)

	tests := []struct {
		name string
		ping func(context.Context) error
		code int
		body string
	}{
		{
			name: "healthy",
			ping: func(context.Context) error { return nil },
			code: http.StatusOK,
			body: `{"status":"ok","online":3}`,
		},
		{
			name: "database down",
			ping: func(context.Context) error { return errors.New("connection refused") },
			code: http.StatusServiceUnavailable,
			body: `{"status":"database unavailable","online":3}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			healthHandler(tt.ping, presence)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.code, rec.Code)
			assert.JSONEq(t, tt.body, rec.Body.String())
		})
	}
}
