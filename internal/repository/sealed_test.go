package repository_test

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mamadbah2/chanway/internal/domain/models"
	"github.com/mamadbah2/chanway/internal/repository"
	"github.com/mamadbah2/chanway/internal/repository/sqlite"
	"github.com/mamadbah2/chanway/internal/secrets"
)

func openStore(t *testing.T) *sqlite.Repository {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "sealed.db"))
	if err != nil {
		t.Fatalf("sqlite.Open() error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store
}

func TestSealedIntegrationsEncryptAtRest(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	codec := secrets.NewCodec(base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")))
	sealed := repository.NewSealedIntegrations(store, codec)

	if err := sealed.SetAPIKey(ctx, "c-1", models.ChannelWhatsApp, "tenant-key"); err != nil {
		t.Fatalf("SetAPIKey() error: %v", err)
	}

	raw, err := store.APIKey(ctx, "c-1", models.ChannelWhatsApp)
	if err != nil {
		t.Fatalf("store.APIKey() error: %v", err)
	}
	if raw == "tenant-key" || strings.Contains(raw, "tenant-key") || !strings.HasPrefix(raw, "v1:") {
		t.Fatalf("stored value %q is not sealed", raw)
	}

	got, err := sealed.APIKey(ctx, "c-1", models.ChannelWhatsApp)
	if err != nil || got != "tenant-key" {
		t.Fatalf("APIKey() = %q, %v; want tenant-key", got, err)
	}

	if _, err := sealed.APIKey(ctx, "c-1", models.ChannelInstagram); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("APIKey(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSealedIntegrationsWithoutKey(t *testing.T) {
	store := openStore(t)
	sealed := repository.NewSealedIntegrations(store, secrets.NewCodec(""))

	err := sealed.SetAPIKey(context.Background(), "c-1", models.ChannelWhatsApp, "tenant-key")
	if !errors.Is(err, models.ErrConfiguration) {
		t.Fatalf("SetAPIKey() error = %v, want ErrConfiguration", err)
	}
	if _, err := store.APIKey(context.Background(), "c-1", models.ChannelWhatsApp); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("plaintext key reached the store: %v", err)
	}
}
