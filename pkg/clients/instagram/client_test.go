package instagram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mamadbah2/chanway/internal/config"
	"github.com/mamadbah2/chanway/internal/domain/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *APIClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return NewClient(config.ProviderConfig{BaseURL: srv.URL, APIKey: "ig-key", Timeout: time.Second}, nil)
}

func TestQRFlows(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantQR  string
		wantErr bool
	}{
		{name: "pending code", body: `{"qrcode":"ig-qr-1"}`, wantQR: "ig-qr-1"},
		{name: "already logged in", body: `{"connected":true}`},
		{name: "no code", body: `{}`, wantErr: true},
		{name: "malformed", body: `ok`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Authorization") != "Bearer ig-key" {
					w.WriteHeader(http.StatusUnauthorized)
					return
				}
				_, _ = w.Write([]byte(tt.body))
			})
			qr, err := c.Connect(context.Background(), "c-1", "ig_main")
			if tt.wantErr {
				if !errors.Is(err, models.ErrProviderUnavailable) || qr != nil {
					t.Fatalf("Connect() = %v, %v, want provider error", qr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Connect() error: %v", err)
			}
			switch {
			case tt.wantQR == "" && qr != nil:
				t.Fatalf("Connect() qr = %q, want nil", *qr)
			case tt.wantQR != "" && (qr == nil || *qr != tt.wantQR):
				t.Fatalf("Connect() qr = %v, want %q", qr, tt.wantQR)
			}
		})
	}
}

func TestStatusAndProfile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/instances/ig_main/status" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"status":"online","username":"shop.acme"}`))
	})
	st, err := c.Status(context.Background(), "c-1", "ig_main")
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if st.Status != "online" || st.ProfileName != "shop.acme" {
		t.Fatalf("Status() = %+v", st)
	}
}

func TestSendTextStripsPrefix(t *testing.T) {
	var got messageRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"id":"mid-9"}`))
	})
	id, err := c.SendText(context.Background(), "c-1", "ig_main", "instagram:1789", "hi")
	if err != nil {
		t.Fatalf("SendText() error: %v", err)
	}
	if id != "mid-9" || got.RecipientID != "1789" || got.Text != "hi" || got.Media != nil {
		t.Fatalf("SendText() id=%q body=%+v", id, got)
	}
}

func TestLogoutServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	err := c.Disconnect(context.Background(), "c-1", "ig_main")
	if !errors.Is(err, models.ErrProviderUnavailable) || errors.Is(err, models.ErrRemoteGone) {
		t.Fatalf("Disconnect() error = %v", err)
	}
}
