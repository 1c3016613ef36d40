package instances

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mamadbah2/chanway/internal/domain/models"
	"github.com/mamadbah2/chanway/internal/repository"
)

var ctx = context.Background()

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name    string
		caller  models.Caller
		in      CreateInput
		wantErr error
	}{
		{
			name:    "telegram without token",
			caller:  models.Caller{CompanyID: "c-1"},
			in:      CreateInput{ChannelType: models.ChannelTelegram, InstanceName: "tg_main"},
			wantErr: models.ErrValidation,
		},
		{
			name:    "bad name",
			caller:  models.Caller{CompanyID: "c-1"},
			in:      CreateInput{ChannelType: models.ChannelWhatsApp, InstanceName: "no spaces!"},
			wantErr: models.ErrValidation,
		},
		{
			name:    "unknown channel",
			caller:  models.Caller{CompanyID: "c-1"},
			in:      CreateInput{ChannelType: "sms", InstanceName: "sms_main"},
			wantErr: models.ErrValidation,
		},
		{
			name:    "foreign tenant",
			caller:  models.Caller{CompanyID: "c-1"},
			in:      CreateInput{CompanyID: "c-2", ChannelType: models.ChannelWhatsApp, InstanceName: "wa_main"},
			wantErr: models.ErrForbidden,
		},
		{
			name:    "privileged caller without company",
			caller:  models.SystemCaller,
			in:      CreateInput{ChannelType: models.ChannelWhatsApp, InstanceName: "wa_main"},
			wantErr: models.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Create(ctx, tt.caller, tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Create() error = %v, want %v", err, tt.wantErr)
			}
			if n := f.wa.count("create") + f.tg.calls["getMe"]; n != 0 {
				t.Fatalf("provider called %d times for a rejected create", n)
			}
			if len(f.repo.rows) != 0 {
				t.Fatalf("rows stored for a rejected create")
			}
		})
	}
}

func TestCreateTelegramEncryptsToken(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t, CreateInput{CompanyID: "c-1", ChannelType: models.ChannelTelegram, InstanceName: "tg_main", TelegramBotToken: "123:ABC"})

	if inst.TelegramBotTokenEnc != "enc:123:ABC" {
		t.Fatalf("token stored as %q", inst.TelegramBotTokenEnc)
	}
	if inst.ProfileName == nil || *inst.ProfileName != "acme_bot" {
		t.Fatalf("profile name = %v", inst.ProfileName)
	}
	if inst.State != models.StateDisconnected {
		t.Fatalf("state = %s", inst.State)
	}
}

func TestCreateRejectsTakenName(t *testing.T) {
	f := newFixture(t)
	f.create(t, CreateInput{CompanyID: "c-1", ChannelType: models.ChannelWhatsApp, InstanceName: "wa_main"})

	_, err := f.svc.Create(ctx, models.Caller{CompanyID: "c-2"}, CreateInput{ChannelType: models.ChannelInstagram, InstanceName: "wa_main"})
	if !errors.Is(err, models.ErrConflict) {
		t.Fatalf("Create() error = %v, want ErrConflict", err)
	}
	if f.ig.count("create") != 0 {
		t.Fatalf("remote provisioning attempted for a taken name")
	}
}

func TestCreateRollsBackRemoteOnStoreFailure(t *testing.T) {
	f := newFixture(t)
	f.repo.insertErr = errors.New("disk full")

	_, err := f.svc.Create(ctx, models.Caller{CompanyID: "c-1"}, CreateInput{ChannelType: models.ChannelWhatsApp, InstanceName: "wa_main"})
	if err == nil {
		t.Fatalf("Create() succeeded with a failing store")
	}
	if f.wa.count("create") != 1 || f.wa.count("delete") != 1 {
		t.Fatalf("calls = %v, want create then delete", f.wa.calls)
	}
}

func TestConnectWithQRIsServedFromCache(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t, CreateInput{CompanyID: "c-1", ChannelType: models.ChannelWhatsApp, InstanceName: "wa_main"})
	f.wa.qr = strPtr("abc")
	caller := models.Caller{CompanyID: "c-1"}

	res, err := f.svc.Connect(ctx, caller, inst.ID)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if res.Instance.State != models.StateQRReady || res.QRCode == nil || *res.QRCode != "abc" {
		t.Fatalf("Connect() = %+v", res)
	}

	code, err := f.svc.QRCode(ctx, caller, inst.ID)
	if err != nil || code != "abc" {
		t.Fatalf("QRCode() = %q, %v", code, err)
	}
	if f.wa.count("qrcode") != 0 {
		t.Fatalf("QRCode() reached the provider on a cache hit")
	}

	f.clock.Advance(301 * time.Second)
	f.wa.qr = strPtr("def")
	code, err = f.svc.QRCode(ctx, caller, inst.ID)
	if err != nil || code != "def" {
		t.Fatalf("QRCode() after expiry = %q, %v", code, err)
	}
	if f.wa.count("qrcode") != 1 {
		t.Fatalf("QRCode() after expiry made %d provider calls", f.wa.count("qrcode"))
	}
}

func TestQRCodeAlreadyPaired(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t, CreateInput{CompanyID: "c-1", ChannelType: models.ChannelInstagram, InstanceName: "ig_main"})

	_, err := f.svc.QRCode(ctx, models.Caller{CompanyID: "c-1"}, inst.ID)
	if !errors.Is(err, models.ErrNoQRCode) || errors.Is(err, models.ErrNotFound) {
		t.Fatalf("QRCode() error = %v, want ErrNoQRCode", err)
	}
	got, _ := f.repo.Get(ctx, inst.ID)
	if got.State != models.StateConnected || got.LastConnectedAt == nil {
		t.Fatalf("state = %s connected_at=%v", got.State, got.LastConnectedAt)
	}
}

func TestQRCodeRejectsTelegram(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t, CreateInput{CompanyID: "c-1", ChannelType: models.ChannelTelegram, InstanceName: "tg_main", TelegramBotToken: "t"})
	if _, err := f.svc.QRCode(ctx, models.Caller{CompanyID: "c-1"}, inst.ID); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("QRCode() error = %v, want ErrValidation", err)
	}
}

func TestConnectTelegramRegistersWebhook(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t, CreateInput{CompanyID: "c-1", ChannelType: models.ChannelTelegram, InstanceName: "tg_main", TelegramBotToken: "123:ABC"})

	res, err := f.svc.Connect(ctx, models.Caller{CompanyID: "c-1"}, inst.ID)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if res.Instance.State != models.StateConnected || res.QRCode != nil {
		t.Fatalf("Connect() = %+v", res)
	}
	if f.tg.webhookURL != "https://gw.example/webhooks/telegram/"+inst.ID || f.tg.secret != "tg-secret" || f.tg.lastToken != "123:ABC" {
		t.Fatalf("webhook registration = %q %q %q", f.tg.webhookURL, f.tg.secret, f.tg.lastToken)
	}
}

func TestConnectFailureMarksError(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t, CreateInput{CompanyID: "c-1", ChannelType: models.ChannelWhatsApp, InstanceName: "wa_main"})
	f.wa.connectErr = &models.ProviderError{Provider: "whatsapp", Op: "connect", StatusCode: 502}

	if _, err := f.svc.Connect(ctx, models.Caller{CompanyID: "c-1"}, inst.ID); !errors.Is(err, models.ErrProviderUnavailable) {
		t.Fatalf("Connect() error = %v", err)
	}
	got, _ := f.repo.Get(ctx, inst.ID)
	if got.State != models.StateError || got.ErrorMessage == nil {
		t.Fatalf("state = %s error=%v", got.State, got.ErrorMessage)
	}

	f.wa.connectErr = nil
	f.wa.qr = strPtr("abc")
	res, err := f.svc.Connect(ctx, models.Caller{CompanyID: "c-1"}, inst.ID)
	if err != nil {
		t.Fatalf("reconnect error: %v", err)
	}
	if res.Instance.State != models.StateQRReady || res.Instance.ErrorMessage != nil {
		t.Fatalf("reconnect = %+v", res.Instance)
	}
}

func TestDisconnectAlwaysEndsDisconnected(t *testing.T) {
	tests := []struct {
		name     string
		from     models.InstanceState
		teardown error
	}{
		{name: "from connected", from: models.StateConnected},
		{name: "from qr_ready", from: models.StateQRReady},
		{name: "from error", from: models.StateError},
		{name: "remote already gone", from: models.StateConnected, teardown: &models.ProviderError{Provider: "whatsapp", StatusCode: 404, Gone: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			inst := f.create(t, CreateInput{CompanyID: "c-1", ChannelType: models.ChannelWhatsApp, InstanceName: "wa_main"})
			state := tt.from
			_, _ = f.repo.Update(ctx, inst.ID, repository.InstancePatch{State: &state})
			f.cache.Put(inst.ID, "stale")
			f.wa.teardown = tt.teardown

			got, err := f.svc.Disconnect(ctx, models.Caller{CompanyID: "c-1"}, inst.ID)
			if err != nil {
				t.Fatalf("Disconnect() error: %v", err)
			}
			if got.State != models.StateDisconnected || got.LastDisconnectedAt == nil {
				t.Fatalf("Disconnect() = %+v", got)
			}
			if _, ok := f.cache.Get(inst.ID); ok {
				t.Fatalf("cached QR survived Disconnect")
			}
		})
	}
}

func TestDisconnectLiveFailureStillDisconnects(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t, CreateInput{CompanyID: "c-1", ChannelType: models.ChannelWhatsApp, InstanceName: "wa_main"})
	state := models.StateConnected
	_, _ = f.repo.Update(ctx, inst.ID, repository.InstancePatch{State: &state})
	f.wa.teardown = &models.ProviderError{Provider: "whatsapp", Op: "logout", StatusCode: 500}

	updated, err := f.svc.Disconnect(ctx, models.Caller{CompanyID: "c-1"}, inst.ID)
	if !errors.Is(err, models.ErrProviderUnavailable) {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if updated == nil || updated.State != models.StateDisconnected {
		t.Fatalf("Disconnect() instance = %+v", updated)
	}
	got, _ := f.repo.Get(ctx, inst.ID)
	if got.State != models.StateDisconnected {
		t.Fatalf("state = %s, want disconnected", got.State)
	}
}

func TestRefreshStatusMapping(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t, CreateInput{CompanyID: "c-1", ChannelType: models.ChannelWhatsApp, InstanceName: "wa_main"})

	f.wa.status = "open"
	got, err := f.svc.RefreshStatus(ctx, models.SystemCaller, inst.ID)
	if err != nil {
		t.Fatalf("RefreshStatus() error: %v", err)
	}
	if got.State != models.StateConnected || got.StatusRaw == "" {
		t.Fatalf("RefreshStatus() = %+v", got)
	}

	f.wa.status = "something_new"
	got, _ = f.svc.RefreshStatus(ctx, models.SystemCaller, inst.ID)
	if got.State != models.StateDisconnected {
		t.Fatalf("unrecognized status mapped to %s", got.State)
	}
}

func TestRefreshStatusTelegramEmptyWebhook(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t, CreateInput{CompanyID: "c-1", ChannelType: models.ChannelTelegram, InstanceName: "tg_main", TelegramBotToken: "t"})
	if _, err := f.svc.Connect(ctx, models.SystemCaller, inst.ID); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	f.tg.webhookInfo = "disconnected"
	got, err := f.svc.RefreshStatus(ctx, models.SystemCaller, inst.ID)
	if err != nil {
		t.Fatalf("RefreshStatus() error: %v", err)
	}
	if got.State != models.StateDisconnected {
		t.Fatalf("state = %s", got.State)
	}
}

func TestApplyConnectionUpdateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t, CreateInput{CompanyID: "c-1", ChannelType: models.ChannelWhatsApp, InstanceName: "wa_main"})
	upd := models.ConnectionUpdate{Status: "open", PhoneNumber: "5511999", Raw: []byte(`{"state":"open"}`)}

	first, err := f.svc.ApplyConnectionUpdate(ctx, inst, upd)
	if err != nil {
		t.Fatalf("ApplyConnectionUpdate() error: %v", err)
	}
	if first.State != models.StateConnected || first.LastConnectedAt == nil {
		t.Fatalf("first apply = %+v", first)
	}
	stamped := *first.LastConnectedAt

	f.clock.Advance(time.Minute)
	second, err := f.svc.ApplyConnectionUpdate(ctx, first, upd)
	if err != nil {
		t.Fatalf("replay error: %v", err)
	}
	if second.State != first.State || !second.LastConnectedAt.Equal(stamped) {
		t.Fatalf("replay moved state or timestamp: %+v", second)
	}
}

func TestApplyConnectionUpdateQRForcesQRReady(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t, CreateInput{CompanyID: "c-1", ChannelType: models.ChannelWhatsApp, InstanceName: "wa_main"})

	got, err := f.svc.ApplyConnectionUpdate(ctx, inst, models.ConnectionUpdate{Status: "close", QRCode: "qr-1"})
	if err != nil {
		t.Fatalf("ApplyConnectionUpdate() error: %v", err)
	}
	if got.State != models.StateQRReady {
		t.Fatalf("state = %s", got.State)
	}
	if code, ok := f.cache.Get(inst.ID); !ok || code != "qr-1" {
		t.Fatalf("cache = %q, %v", code, ok)
	}
}

func TestUpdateImmutableFields(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t, CreateInput{CompanyID: "c-1", ChannelType: models.ChannelTelegram, InstanceName: "tg_main", TelegramBotToken: "old"})
	caller := models.Caller{CompanyID: "c-1"}

	wa := models.ChannelWhatsApp
	if _, err := f.svc.Update(ctx, caller, inst.ID, UpdateInput{ChannelType: &wa}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("Update(channel_type) error = %v", err)
	}
	if _, err := f.svc.Update(ctx, caller, inst.ID, UpdateInput{InstanceName: strPtr("renamed")}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("Update(instance_name) error = %v", err)
	}

	got, err := f.svc.Update(ctx, caller, inst.ID, UpdateInput{TelegramBotToken: strPtr("new")})
	if err != nil {
		t.Fatalf("Update(token) error: %v", err)
	}
	if got.ChannelType != models.ChannelTelegram || got.TelegramBotTokenEnc != "enc:new" {
		t.Fatalf("Update(token) = %+v", got)
	}
}

func TestTenantGuard(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t, CreateInput{CompanyID: "c-1", ChannelType: models.ChannelWhatsApp, InstanceName: "wa_main"})
	f.create(t, CreateInput{CompanyID: "c-2", ChannelType: models.ChannelWhatsApp, InstanceName: "wa_other"})

	if _, err := f.svc.Get(ctx, models.Caller{CompanyID: "c-2"}, inst.ID); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("Get() cross-tenant error = %v", err)
	}
	if err := f.svc.Delete(ctx, models.Caller{CompanyID: "c-2"}, inst.ID); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("Delete() cross-tenant error = %v", err)
	}
	if _, err := f.svc.Get(ctx, models.Caller{Privileged: true}, inst.ID); err != nil {
		t.Fatalf("Get() privileged error: %v", err)
	}

	own, _ := f.svc.List(ctx, models.Caller{CompanyID: "c-1"}, repository.InstanceFilter{CompanyID: "c-2"})
	if len(own) != 1 || own[0].CompanyID != "c-1" {
		t.Fatalf("List() leaked other tenants: %+v", own)
	}
	all, _ := f.svc.List(ctx, models.SystemCaller, repository.InstanceFilter{})
	if len(all) != 2 {
		t.Fatalf("List() privileged = %d rows", len(all))
	}
}

func TestDeleteTeardown(t *testing.T) {
	t.Run("gone remote still deletes", func(t *testing.T) {
		f := newFixture(t)
		inst := f.create(t, CreateInput{CompanyID: "c-1", ChannelType: models.ChannelWhatsApp, InstanceName: "wa_main"})
		f.cache.Put(inst.ID, "abc")
		f.wa.teardown = &models.ProviderError{Provider: "whatsapp", StatusCode: 404, Gone: true}

		if err := f.svc.Delete(ctx, models.Caller{CompanyID: "c-1"}, inst.ID); err != nil {
			t.Fatalf("Delete() error: %v", err)
		}
		if _, err := f.repo.Get(ctx, inst.ID); !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("row survived Delete")
		}
		if _, ok := f.cache.Get(inst.ID); ok {
			t.Fatalf("cached QR survived Delete")
		}
	})

	t.Run("live remote failure keeps row", func(t *testing.T) {
		f := newFixture(t)
		inst := f.create(t, CreateInput{CompanyID: "c-1", ChannelType: models.ChannelInstagram, InstanceName: "ig_main"})
		f.ig.teardown = &models.ProviderError{Provider: "instagram", StatusCode: 503}

		if err := f.svc.Delete(ctx, models.Caller{CompanyID: "c-1"}, inst.ID); !errors.Is(err, models.ErrProviderUnavailable) {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := f.repo.Get(ctx, inst.ID); err != nil {
			t.Fatalf("row removed despite live teardown failure")
		}
	})

	t.Run("telegram removes webhook", func(t *testing.T) {
		f := newFixture(t)
		inst := f.create(t, CreateInput{CompanyID: "c-1", ChannelType: models.ChannelTelegram, InstanceName: "tg_main", TelegramBotToken: "123:ABC"})
		if err := f.svc.Delete(ctx, models.Caller{CompanyID: "c-1"}, inst.ID); err != nil {
			t.Fatalf("Delete() error: %v", err)
		}
		if f.tg.calls["deleteWebhook"] != 1 {
			t.Fatalf("deleteWebhook calls = %d", f.tg.calls["deleteWebhook"])
		}
	})
}

func TestMapProviderStatus(t *testing.T) {
	tests := map[string]models.InstanceState{
		"open":       models.StateConnected,
		"CONNECTED":  models.StateConnected,
		"online":     models.StateConnected,
		"close":      models.StateDisconnected,
		"offline":    models.StateDisconnected,
		"qrcode":     models.StateQRReady,
		"connecting": models.StateQRReady,
		"failed":     models.StateError,
		"":           models.StateDisconnected,
		"weird":      models.StateDisconnected,
	}
	for raw, want := range tests {
		if got := MapProviderStatus(raw); got != want {
			t.Errorf("MapProviderStatus(%q) = %s, want %s", raw, got, want)
		}
	}
}
