// Package instances owns the channel instance registry: its connection state
// machine, the mediation between callers and provider adapters, and the QR cache.
package instances

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mamadbah2/chanway/internal/domain/models"
	"github.com/mamadbah2/chanway/internal/repository"
)

// SecretCodec encrypts provider tokens at rest.
type SecretCodec interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(token string) (string, error)
}

// Options carries the settings the registry needs to register webhooks.
type Options struct {
	PublicBaseURL         string
	TelegramWebhookSecret string
}

// CreateInput describes a new instance.
type CreateInput struct {
	CompanyID        string
	ChannelType      models.ChannelType
	InstanceName     string
	TelegramBotToken string
}

// UpdateInput describes a change to an instance. Only the bot token is mutable;
// ChannelType and InstanceName are accepted so a request changing them can be rejected.
type UpdateInput struct {
	ChannelType      *models.ChannelType
	InstanceName     *string
	TelegramBotToken *string
}

// ConnectResult is the outcome of Connect.
type ConnectResult struct {
	Instance *models.ChannelInstance
	QRCode   *string
}

// Service is the instance registry.
type Service struct {
	repo      repository.InstanceRepository
	providers Providers
	codec     SecretCodec
	cache     *QRCache
	opts      Options
	newID     func() string
	now       func() time.Time
	logger    *zap.Logger
}

// NewService wires a registry.
func NewService(opts Options, repo repository.InstanceRepository, providers Providers, codec SecretCodec, cache *QRCache, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cache == nil {
		cache = NewQRCache(5 * time.Minute)
	}
	return &Service{
		repo:      repo,
		providers: providers,
		codec:     codec,
		cache:     cache,
		opts:      opts,
		newID:     uuid.NewString,
		now:       time.Now,
		logger:    logger.Named("svc.instances"),
	}
}

// Create validates and provisions a new instance, then persists it in the
// disconnected state.
func (s *Service) Create(ctx context.Context, caller models.Caller, in CreateInput) (*models.ChannelInstance, error) {
	companyID := in.CompanyID
	if !caller.Privileged {
		if companyID != "" && companyID != caller.CompanyID {
			return nil, fmt.Errorf("create instance for company %s: %w", companyID, models.ErrForbidden)
		}
		companyID = caller.CompanyID
	}
	if companyID == "" {
		return nil, fmt.Errorf("%w: company_id is required", models.ErrValidation)
	}
	if !in.ChannelType.Valid() {
		return nil, fmt.Errorf("%w: unknown channel_type %q", models.ErrValidation, in.ChannelType)
	}
	if !models.ValidInstanceName(in.InstanceName) {
		return nil, fmt.Errorf("%w: instance_name must be 3-64 characters of [a-zA-Z0-9_-]", models.ErrValidation)
	}
	if in.ChannelType == models.ChannelTelegram && in.TelegramBotToken == "" {
		return nil, fmt.Errorf("%w: telegram_bot_token is required for telegram instances", models.ErrValidation)
	}

	if _, err := s.repo.GetByName(ctx, in.InstanceName); err == nil {
		return nil, fmt.Errorf("instance name %q: %w", in.InstanceName, models.ErrConflict)
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("check instance name: %w", err)
	}

	inst := &models.ChannelInstance{
		ID:           s.newID(),
		CompanyID:    companyID,
		ChannelType:  in.ChannelType,
		InstanceName: in.InstanceName,
		State:        models.StateDisconnected,
	}

	var compensate func()
	if in.ChannelType == models.ChannelTelegram {
		tg, err := s.tokenProvider()
		if err != nil {
			return nil, err
		}
		enc, err := s.encrypt(in.TelegramBotToken)
		if err != nil {
			return nil, err
		}
		me, err := tg.GetMe(ctx, in.TelegramBotToken)
		if err != nil {
			return nil, fmt.Errorf("validate telegram bot token: %w", err)
		}
		inst.TelegramBotTokenEnc = enc
		if me != nil && me.Username != "" {
			inst.ProfileName = &me.Username
		}
	} else {
		p, err := s.qrProvider(in.ChannelType)
		if err != nil {
			return nil, err
		}
		if err := p.CreateInstance(ctx, companyID, in.InstanceName); err != nil {
			return nil, fmt.Errorf("provision %s instance: %w", in.ChannelType, err)
		}
		compensate = func() {
			if err := p.DeleteInstance(context.WithoutCancel(ctx), companyID, in.InstanceName); err != nil {
				s.logger.Error("failed to roll back remote instance",
					zap.String("instance_name", in.InstanceName), zap.Error(err))
			}
		}
	}

	if err := s.repo.Insert(ctx, inst); err != nil {
		if compensate != nil {
			compensate()
		}
		return nil, fmt.Errorf("store instance: %w", err)
	}

	s.logger.Info("instance created",
		zap.String("instance_id", inst.ID),
		zap.String("company_id", inst.CompanyID),
		zap.String("channel_type", string(inst.ChannelType)),
	)
	return inst, nil
}

// Get returns an instance the caller may access.
func (s *Service) Get(ctx context.Context, caller models.Caller, id string) (*models.ChannelInstance, error) {
	inst, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.CanAccess(inst) {
		return nil, fmt.Errorf("instance %s: %w", id, models.ErrForbidden)
	}
	return inst, nil
}

// List returns the instances visible to the caller. Non-privileged callers only
// see their own tenant.
func (s *Service) List(ctx context.Context, caller models.Caller, filter repository.InstanceFilter) ([]models.ChannelInstance, error) {
	if !caller.Privileged {
		if caller.CompanyID == "" {
			return nil, fmt.Errorf("list instances: %w", models.ErrForbidden)
		}
		filter.CompanyID = caller.CompanyID
	}
	return s.repo.List(ctx, filter)
}

// Lookup returns an instance by id without tenant checks.
func (s *Service) Lookup(ctx context.Context, id string) (*models.ChannelInstance, error) {
	return s.repo.Get(ctx, id)
}

// LookupByName returns an instance by provider-facing name without tenant checks.
func (s *Service) LookupByName(ctx context.Context, name string) (*models.ChannelInstance, error) {
	return s.repo.GetByName(ctx, name)
}

// Update rotates the Telegram bot token. Changing the channel type or the instance
// name is rejected.
func (s *Service) Update(ctx context.Context, caller models.Caller, id string, in UpdateInput) (*models.ChannelInstance, error) {
	inst, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if in.ChannelType != nil && *in.ChannelType != inst.ChannelType {
		return nil, fmt.Errorf("%w: channel_type cannot be changed", models.ErrValidation)
	}
	if in.InstanceName != nil && *in.InstanceName != inst.InstanceName {
		return nil, fmt.Errorf("%w: instance_name cannot be changed", models.ErrValidation)
	}
	if in.TelegramBotToken == nil {
		return inst, nil
	}
	if inst.ChannelType != models.ChannelTelegram {
		return nil, fmt.Errorf("%w: telegram_bot_token only applies to telegram instances", models.ErrValidation)
	}
	token := *in.TelegramBotToken
	if token == "" {
		return nil, fmt.Errorf("%w: telegram_bot_token must not be empty", models.ErrValidation)
	}

	tg, err := s.tokenProvider()
	if err != nil {
		return nil, err
	}
	enc, err := s.encrypt(token)
	if err != nil {
		return nil, err
	}
	me, err := tg.GetMe(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("validate telegram bot token: %w", err)
	}
	if inst.State == models.StateConnected {
		if err := s.registerWebhook(ctx, tg, inst, token); err != nil {
			return nil, err
		}
	}

	patch := repository.InstancePatch{TelegramBotTokenEnc: &enc}
	if me != nil && me.Username != "" {
		patch.ProfileName = &me.Username
	}
	return s.repo.Update(ctx, inst.ID, patch)
}

// Delete tears down provider resources, then removes the row and the cached QR.
// Teardown errors for instances still live on the provider are returned.
func (s *Service) Delete(ctx context.Context, caller models.Caller, id string) error {
	inst, err := s.Get(ctx, caller, id)
	if err != nil {
		return err
	}

	if err := s.teardown(ctx, inst, true); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, inst.ID); err != nil && !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("remove instance: %w", err)
	}
	s.cache.Clear(inst.ID)

	s.logger.Info("instance deleted", zap.String("instance_id", inst.ID))
	return nil
}

// Connect starts pairing. A QR code moves the instance to qr_ready and is cached;
// no code (already paired, or Telegram) moves it to connected. A provider failure
// moves it to error.
func (s *Service) Connect(ctx context.Context, caller models.Caller, id string) (*ConnectResult, error) {
	inst, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}

	if inst.ChannelType == models.ChannelTelegram {
		tg, err := s.tokenProvider()
		if err != nil {
			return nil, err
		}
		token, err := s.BotToken(inst)
		if err != nil {
			return nil, err
		}
		if err := s.registerWebhook(ctx, tg, inst, token); err != nil {
			return nil, s.fail(ctx, inst, err)
		}
		s.cache.Clear(inst.ID)
		updated, err := s.transition(ctx, inst, models.StateConnected, repository.InstancePatch{})
		if err != nil {
			return nil, err
		}
		return &ConnectResult{Instance: updated}, nil
	}

	p, err := s.qrProvider(inst.ChannelType)
	if err != nil {
		return nil, err
	}
	qr, err := p.Connect(ctx, inst.CompanyID, inst.InstanceName)
	if err != nil {
		return nil, s.fail(ctx, inst, err)
	}

	state := models.StateConnected
	if qr != nil {
		s.cache.Put(inst.ID, *qr)
		state = models.StateQRReady
	} else {
		s.cache.Clear(inst.ID)
	}
	updated, err := s.transition(ctx, inst, state, repository.InstancePatch{})
	if err != nil {
		return nil, err
	}
	return &ConnectResult{Instance: updated, QRCode: qr}, nil
}

// Disconnect tears down the provider session and always leaves the instance
// disconnected with no cached QR. A teardown failure for a live session is
// returned alongside the updated instance so the caller can retry the logout.
func (s *Service) Disconnect(ctx context.Context, caller models.Caller, id string) (*models.ChannelInstance, error) {
	inst, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	teardownErr := s.teardown(ctx, inst, false)
	s.cache.Clear(inst.ID)
	updated, err := s.transition(ctx, inst, models.StateDisconnected, repository.InstancePatch{})
	if err != nil {
		return nil, err
	}
	if teardownErr != nil {
		s.logger.Warn("provider logout failed, instance marked disconnected",
			zap.String("instance_id", inst.ID),
			zap.Error(teardownErr),
		)
		return updated, teardownErr
	}
	return updated, nil
}

// RefreshStatus polls the provider and persists the mapped state with raw diagnostics.
func (s *Service) RefreshStatus(ctx context.Context, caller models.Caller, id string) (*models.ChannelInstance, error) {
	inst, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}

	var status *models.ProviderStatus
	if inst.ChannelType == models.ChannelTelegram {
		tg, err := s.tokenProvider()
		if err != nil {
			return nil, err
		}
		token, err := s.BotToken(inst)
		if err != nil {
			return nil, err
		}
		status, err = tg.Status(ctx, token)
		if err != nil {
			return nil, s.failIfGone(ctx, inst, err)
		}
	} else {
		p, err := s.qrProvider(inst.ChannelType)
		if err != nil {
			return nil, err
		}
		status, err = p.Status(ctx, inst.CompanyID, inst.InstanceName)
		if err != nil {
			return nil, s.failIfGone(ctx, inst, err)
		}
	}

	state := MapProviderStatus(status.Status)
	if state != models.StateQRReady {
		s.cache.Clear(inst.ID)
	}
	raw := string(status.Raw)
	patch := repository.InstancePatch{StatusRaw: &raw}
	if status.PhoneNumber != "" {
		patch.PhoneNumber = &status.PhoneNumber
	}
	if status.ProfileName != "" {
		patch.ProfileName = &status.ProfileName
	}
	return s.transition(ctx, inst, state, patch)
}

// SweepQRCodes drops expired cached QR codes and reports how many went.
func (s *Service) SweepQRCodes() int {
	return s.cache.Sweep()
}

// QRCode returns the pending QR code, from the cache when present and otherwise
// from the provider. When the provider reports no pending code the instance is
// marked connected and ErrNoQRCode is returned.
func (s *Service) QRCode(ctx context.Context, caller models.Caller, id string) (string, error) {
	inst, err := s.Get(ctx, caller, id)
	if err != nil {
		return "", err
	}
	if !inst.ChannelType.UsesQR() {
		return "", fmt.Errorf("%w: %s instances do not pair with a QR code", models.ErrValidation, inst.ChannelType)
	}
	if code, ok := s.cache.Get(inst.ID); ok {
		return code, nil
	}

	p, err := s.qrProvider(inst.ChannelType)
	if err != nil {
		return "", err
	}
	qr, err := p.QRCode(ctx, inst.CompanyID, inst.InstanceName)
	if err != nil {
		return "", err
	}
	if qr == nil {
		if _, err := s.transition(ctx, inst, models.StateConnected, repository.InstancePatch{}); err != nil {
			return "", err
		}
		return "", fmt.Errorf("instance %s: %w", inst.ID, models.ErrNoQRCode)
	}
	s.cache.Put(inst.ID, *qr)
	if _, err := s.transition(ctx, inst, models.StateQRReady, repository.InstancePatch{}); err != nil {
		return "", err
	}
	return *qr, nil
}

// ApplyConnectionUpdate applies a status fact pushed by a provider webhook. A QR
// code in the update forces qr_ready. Replaying the same update is a no-op on state
// and timestamps.
func (s *Service) ApplyConnectionUpdate(ctx context.Context, inst *models.ChannelInstance, upd models.ConnectionUpdate) (*models.ChannelInstance, error) {
	state := MapProviderStatus(upd.Status)
	if upd.QRCode != "" {
		state = models.StateQRReady
		s.cache.Put(inst.ID, upd.QRCode)
	} else if state != models.StateQRReady {
		s.cache.Clear(inst.ID)
	}

	var patch repository.InstancePatch
	if len(upd.Raw) > 0 {
		raw := string(upd.Raw)
		patch.StatusRaw = &raw
	}
	if upd.PhoneNumber != "" {
		patch.PhoneNumber = &upd.PhoneNumber
	}
	if upd.ProfileName != "" {
		patch.ProfileName = &upd.ProfileName
	}
	return s.transition(ctx, inst, state, patch)
}

// BotToken decrypts the Telegram bot token of an instance.
func (s *Service) BotToken(inst *models.ChannelInstance) (string, error) {
	if inst.TelegramBotTokenEnc == "" {
		return "", fmt.Errorf("%w: instance %s has no telegram bot token", models.ErrConfiguration, inst.ID)
	}
	if s.codec == nil {
		return "", fmt.Errorf("%w: secret codec not configured", models.ErrConfiguration)
	}
	token, err := s.codec.Decrypt(inst.TelegramBotTokenEnc)
	if err != nil {
		return "", fmt.Errorf("decrypt telegram bot token: %w", err)
	}
	return token, nil
}

// teardown removes the provider-side session (forDelete=false) or the whole remote
// instance (forDelete=true). A provider reporting the resource as gone is success.
func (s *Service) teardown(ctx context.Context, inst *models.ChannelInstance, forDelete bool) error {
	var err error
	if inst.ChannelType == models.ChannelTelegram {
		tg, perr := s.tokenProvider()
		if perr != nil {
			return perr
		}
		token, terr := s.BotToken(inst)
		if terr != nil {
			return terr
		}
		err = tg.DeleteWebhook(ctx, token)
	} else {
		p, perr := s.qrProvider(inst.ChannelType)
		if perr != nil {
			return perr
		}
		if forDelete {
			err = p.DeleteInstance(ctx, inst.CompanyID, inst.InstanceName)
		} else {
			err = p.Disconnect(ctx, inst.CompanyID, inst.InstanceName)
		}
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrRemoteGone):
		s.logger.Info("remote resource already removed",
			zap.String("instance_id", inst.ID), zap.Bool("delete", forDelete))
		return nil
	default:
		return fmt.Errorf("tear down %s instance %s: %w", inst.ChannelType, inst.ID, err)
	}
}

func (s *Service) registerWebhook(ctx context.Context, tg TokenProvider, inst *models.ChannelInstance, token string) error {
	if s.opts.PublicBaseURL == "" {
		return fmt.Errorf("%w: PUBLIC_BASE_URL is required to register telegram webhooks", models.ErrConfiguration)
	}
	if s.opts.TelegramWebhookSecret == "" {
		return fmt.Errorf("%w: TELEGRAM_WEBHOOK_SECRET is required to register telegram webhooks", models.ErrConfiguration)
	}
	url := s.opts.PublicBaseURL + "/webhooks/telegram/" + inst.ID
	if err := tg.SetWebhook(ctx, token, url, s.opts.TelegramWebhookSecret); err != nil {
		return fmt.Errorf("register telegram webhook: %w", err)
	}
	return nil
}

// transition persists state plus extra fields. Connection timestamps move only when
// the state actually changes; leaving the error state clears the error message.
func (s *Service) transition(ctx context.Context, inst *models.ChannelInstance, state models.InstanceState, patch repository.InstancePatch) (*models.ChannelInstance, error) {
	patch.State = &state
	if state != inst.State {
		now := s.now().UTC()
		switch state {
		case models.StateConnected:
			patch.LastConnectedAt = &now
		case models.StateDisconnected:
			patch.LastDisconnectedAt = &now
		}
	}
	if state != models.StateError && inst.ErrorMessage != nil && patch.ErrorMessage == nil {
		cleared := ""
		patch.ErrorMessage = &cleared
	}

	updated, err := s.repo.Update(ctx, inst.ID, patch)
	if err != nil {
		return nil, fmt.Errorf("persist %s state: %w", state, err)
	}
	if state != inst.State {
		s.logger.Info("instance state changed",
			zap.String("instance_id", inst.ID),
			zap.String("from", string(inst.State)),
			zap.String("to", string(state)),
		)
	}
	return updated, nil
}

// fail records a provider failure on the instance and returns cause.
func (s *Service) fail(ctx context.Context, inst *models.ChannelInstance, cause error) error {
	if !errors.Is(cause, models.ErrProviderUnavailable) {
		return cause
	}
	msg := cause.Error()
	if _, err := s.transition(ctx, inst, models.StateError, repository.InstancePatch{ErrorMessage: &msg}); err != nil {
		s.logger.Error("failed to record instance error", zap.String("instance_id", inst.ID), zap.Error(err))
	}
	return cause
}

// failIfGone marks the instance errored only when the provider no longer knows it;
// transient failures leave the stored state alone.
func (s *Service) failIfGone(ctx context.Context, inst *models.ChannelInstance, cause error) error {
	if errors.Is(cause, models.ErrRemoteGone) {
		return s.fail(ctx, inst, cause)
	}
	return cause
}

func (s *Service) encrypt(plaintext string) (string, error) {
	if s.codec == nil {
		return "", fmt.Errorf("%w: secret codec not configured", models.ErrConfiguration)
	}
	enc, err := s.codec.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("encrypt telegram bot token: %w", err)
	}
	return enc, nil
}

func (s *Service) qrProvider(channel models.ChannelType) (QRProvider, error) {
	var p QRProvider
	switch channel {
	case models.ChannelWhatsApp:
		p = s.providers.WhatsApp
	case models.ChannelInstagram:
		p = s.providers.Instagram
	}
	if p == nil {
		return nil, fmt.Errorf("%w: no provider configured for %s", models.ErrConfiguration, channel)
	}
	return p, nil
}

func (s *Service) tokenProvider() (TokenProvider, error) {
	if s.providers.Telegram == nil {
		return nil, fmt.Errorf("%w: no provider configured for telegram", models.ErrConfiguration)
	}
	return s.providers.Telegram, nil
}
