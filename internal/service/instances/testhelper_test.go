package instances

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mamadbah2/chanway/internal/domain/models"
	"github.com/mamadbah2/chanway/internal/repository"
)

// memRepo is an in-memory repository.InstanceRepository.
type memRepo struct {
	mu        sync.Mutex
	rows      map[string]models.ChannelInstance
	insertErr error
	now       func() time.Time
}

func newMemRepo() *memRepo {
	return &memRepo{rows: map[string]models.ChannelInstance{}, now: time.Now}
}

func (r *memRepo) Insert(_ context.Context, inst *models.ChannelInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	for _, row := range r.rows {
		if row.InstanceName == inst.InstanceName {
			return models.ErrConflict
		}
	}
	inst.CreatedAt = r.now()
	inst.UpdatedAt = inst.CreatedAt
	r.rows[inst.ID] = *inst
	return nil
}

func (r *memRepo) Get(_ context.Context, id string) (*models.ChannelInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, models.ErrNotFound)
	}
	return &row, nil
}

func (r *memRepo) GetByName(_ context.Context, name string) (*models.ChannelInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.InstanceName == name {
			return &row, nil
		}
	}
	return nil, fmt.Errorf("instance %s: %w", name, models.ErrNotFound)
}

func (r *memRepo) List(_ context.Context, f repository.InstanceFilter) ([]models.ChannelInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ChannelInstance
	for _, row := range r.rows {
		if f.CompanyID != "" && row.CompanyID != f.CompanyID {
			continue
		}
		if f.ChannelType != "" && row.ChannelType != f.ChannelType {
			continue
		}
		if !matchStates(f.States, row.State) {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func matchStates(states []models.InstanceState, state models.InstanceState) bool {
	if len(states) == 0 {
		return true
	}
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

func (r *memRepo) Update(_ context.Context, id string, p repository.InstancePatch) (*models.ChannelInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	opt := func(v *string) *string {
		if *v == "" {
			return nil
		}
		s := *v
		return &s
	}
	if p.State != nil {
		row.State = *p.State
	}
	if p.PhoneNumber != nil {
		row.PhoneNumber = opt(p.PhoneNumber)
	}
	if p.ProfileName != nil {
		row.ProfileName = opt(p.ProfileName)
	}
	if p.ErrorMessage != nil {
		row.ErrorMessage = opt(p.ErrorMessage)
	}
	if p.LastConnectedAt != nil {
		t := *p.LastConnectedAt
		row.LastConnectedAt = &t
	}
	if p.LastDisconnectedAt != nil {
		t := *p.LastDisconnectedAt
		row.LastDisconnectedAt = &t
	}
	if p.StatusRaw != nil {
		row.StatusRaw = *p.StatusRaw
	}
	if p.TelegramBotTokenEnc != nil {
		row.TelegramBotTokenEnc = *p.TelegramBotTokenEnc
	}
	row.UpdatedAt = r.now()
	r.rows[id] = row
	return &row, nil
}

func (r *memRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[id]; !ok {
		return models.ErrNotFound
	}
	delete(r.rows, id)
	return nil
}

// fakeQR is a scripted QRProvider that records calls.
type fakeQR struct {
	mu         sync.Mutex
	calls      map[string]int
	qr         *string
	status     string
	connectErr error
	teardown   error
	createErr  error
}

func newFakeQR() *fakeQR { return &fakeQR{calls: map[string]int{}} }

func (f *fakeQR) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
}

func (f *fakeQR) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeQR) CreateInstance(context.Context, string, string) error {
	f.record("create")
	return f.createErr
}

func (f *fakeQR) DeleteInstance(context.Context, string, string) error {
	f.record("delete")
	return f.teardown
}

func (f *fakeQR) Connect(context.Context, string, string) (*string, error) {
	f.record("connect")
	return f.qr, f.connectErr
}

func (f *fakeQR) Disconnect(context.Context, string, string) error {
	f.record("disconnect")
	return f.teardown
}

func (f *fakeQR) Status(context.Context, string, string) (*models.ProviderStatus, error) {
	f.record("status")
	return &models.ProviderStatus{Status: f.status, Raw: []byte(`{"state":"` + f.status + `"}`)}, nil
}

func (f *fakeQR) QRCode(context.Context, string, string) (*string, error) {
	f.record("qrcode")
	return f.qr, nil
}

func (f *fakeQR) SendText(context.Context, string, string, string, string) (string, error) {
	f.record("send_text")
	return "m-1", nil
}

func (f *fakeQR) SendMedia(context.Context, string, string, string, models.Media) (string, error) {
	f.record("send_media")
	return "m-2", nil
}

// fakeTelegram is a scripted TokenProvider.
type fakeTelegram struct {
	mu          sync.Mutex
	calls       map[string]int
	webhookURL  string
	secret      string
	lastToken   string
	webhookInfo string
	teardown    error
}

func newFakeTelegram() *fakeTelegram { return &fakeTelegram{calls: map[string]int{}} }

func (f *fakeTelegram) record(op, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	f.lastToken = token
}

func (f *fakeTelegram) GetMe(_ context.Context, token string) (*models.TelegramUser, error) {
	f.record("getMe", token)
	return &models.TelegramUser{ID: 1, IsBot: true, Username: "acme_bot"}, nil
}

func (f *fakeTelegram) SetWebhook(_ context.Context, token, url, secret string) error {
	f.record("setWebhook", token)
	f.webhookURL, f.secret = url, secret
	return nil
}

func (f *fakeTelegram) DeleteWebhook(_ context.Context, token string) error {
	f.record("deleteWebhook", token)
	return f.teardown
}

func (f *fakeTelegram) Status(_ context.Context, token string) (*models.ProviderStatus, error) {
	f.record("getWebhookInfo", token)
	return &models.ProviderStatus{Status: f.webhookInfo, Raw: []byte(`{}`)}, nil
}

func (f *fakeTelegram) SendText(_ context.Context, token, _, _ string) (string, error) {
	f.record("sendMessage", token)
	return "1", nil
}

func (f *fakeTelegram) SendMedia(_ context.Context, token, _ string, _ models.Media) (string, error) {
	f.record("sendMedia", token)
	return "2", nil
}

// plainCodec "encrypts" by prefixing.
type plainCodec struct{ err error }

func (c plainCodec) Encrypt(p string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return "enc:" + p, nil
}

func (c plainCodec) Decrypt(t string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return t[len("enc:"):], nil
}

type fixture struct {
	svc   *Service
	repo  *memRepo
	wa    *fakeQR
	ig    *fakeQR
	tg    *fakeTelegram
	cache *QRCache
	clock *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	repo := newMemRepo()
	repo.now = clock.Now
	cache := NewQRCache(300 * time.Second)
	cache.now = clock.Now
	f := &fixture{repo: repo, wa: newFakeQR(), ig: newFakeQR(), tg: newFakeTelegram(), cache: cache, clock: clock}
	f.svc = NewService(
		Options{PublicBaseURL: "https://gw.example", TelegramWebhookSecret: "tg-secret"},
		repo,
		Providers{WhatsApp: f.wa, Instagram: f.ig, Telegram: f.tg},
		plainCodec{},
		cache,
		nil,
	)
	ids := 0
	f.svc.newID = func() string {
		ids++
		return fmt.Sprintf("inst-%d", ids)
	}
	f.svc.now = clock.Now
	return f
}

func (f *fixture) create(t *testing.T, in CreateInput) *models.ChannelInstance {
	t.Helper()
	inst, err := f.svc.Create(context.Background(), models.Caller{CompanyID: in.CompanyID}, in)
	if err != nil {
		t.Fatalf("Create(%+v) error: %v", in, err)
	}
	return inst
}

func strPtr(s string) *string { return &s }
