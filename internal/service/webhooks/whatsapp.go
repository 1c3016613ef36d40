package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mamadbah2/chanway/internal/domain/models"
	"github.com/mamadbah2/chanway/pkg/clients/provider"
)

const (
	evolutionConnectionUpdate = "connection.update"
	evolutionQRCodeUpdated    = "qrcode.updated"
	evolutionMessagesUpsert   = "messages.upsert"
)

func (s *Service) whatsApp(ctx context.Context, body []byte) error {
	var payload models.EvolutionWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("%w: malformed whatsapp payload: %v", errDrop, err)
	}

	event := normalizeEvent(payload.Event)
	switch event {
	case evolutionConnectionUpdate, evolutionQRCodeUpdated, evolutionMessagesUpsert:
	default:
		return fmt.Errorf("%w: unhandled whatsapp event %q", errDrop, payload.Event)
	}

	inst, err := s.resolve(ctx, models.ChannelWhatsApp, s.registry.LookupByName, payload.Instance)
	if err != nil {
		return err
	}

	switch event {
	case evolutionConnectionUpdate:
		var data models.EvolutionConnectionData
		if err := json.Unmarshal(payload.Data, &data); err != nil {
			return fmt.Errorf("%w: malformed connection.update: %v", errDrop, err)
		}
		return s.applyStatus(ctx, inst, models.ConnectionUpdate{
			Status:      data.State,
			PhoneNumber: jidUser(data.WUID),
			ProfileName: data.ProfileName,
			Raw:         payload.Data,
		})

	case evolutionQRCodeUpdated:
		var data models.EvolutionQRCodeData
		if err := json.Unmarshal(payload.Data, &data); err != nil {
			return fmt.Errorf("%w: malformed qrcode.updated: %v", errDrop, err)
		}
		code := firstNonEmpty(data.QRCode.Base64, data.QRCode.Code)
		if code == "" {
			return fmt.Errorf("%w: qrcode.updated without a code", errDrop)
		}
		return s.applyStatus(ctx, inst, models.ConnectionUpdate{Status: "qrcode", QRCode: code, Raw: payload.Data})

	default:
		items, err := decodeOneOrMany(payload.Data)
		if err != nil {
			return fmt.Errorf("%w: malformed messages.upsert: %v", errDrop, err)
		}
		published := 0
		for _, raw := range items {
			msg, ok := whatsAppMessage(inst, raw)
			if !ok {
				continue
			}
			if err := s.publishMessage(ctx, inst, msg); err != nil {
				return err
			}
			published++
		}
		if published == 0 {
			return fmt.Errorf("%w: no deliverable whatsapp message", errDrop)
		}
		return nil
	}
}

// whatsAppMessage normalizes one messages.upsert item. Own messages, group chats
// and broadcasts are skipped.
func whatsAppMessage(inst *models.ChannelInstance, raw json.RawMessage) (models.CanonicalInboundMessage, bool) {
	var data models.EvolutionMessageData
	if err := json.Unmarshal(raw, &data); err != nil {
		return models.CanonicalInboundMessage{}, false
	}
	jid := data.Key.RemoteJID
	if data.Key.FromMe || jid == "" || strings.HasSuffix(jid, "@g.us") || strings.HasSuffix(jid, "@broadcast") {
		return models.CanonicalInboundMessage{}, false
	}

	var text string
	var media *models.Media
	if m := data.Message; m != nil {
		text = m.Conversation
		if m.ExtendedTextMessage != nil {
			text = firstNonEmpty(text, m.ExtendedTextMessage.Text)
		}
		switch {
		case m.ImageMessage != nil:
			media = evolutionMedia(models.MediaImage, m.ImageMessage, m.MediaURL, "image/jpeg")
			text = firstNonEmpty(text, m.ImageMessage.Caption)
		case m.AudioMessage != nil:
			media = evolutionMedia(models.MediaAudio, m.AudioMessage, m.MediaURL, "audio/ogg")
		case m.DocumentMessage != nil:
			media = evolutionMedia(models.MediaDocument, m.DocumentMessage, m.MediaURL, "application/octet-stream")
			text = firstNonEmpty(text, m.DocumentMessage.Caption)
		}
	}
	if text == "" && media == nil {
		return models.CanonicalInboundMessage{}, false
	}

	from := provider.Handle(models.ChannelWhatsApp, jidUser(jid))
	return models.CanonicalInboundMessage{
		InstanceID:     inst.ID,
		ChannelType:    models.ChannelWhatsApp,
		LeadExternalID: from,
		From:           from,
		PushName:       data.PushName,
		Body:           optional(text),
		Media:          media,
		Raw:            raw,
		CorrelationID:  firstNonEmpty(data.Key.ID, from),
	}, true
}

func evolutionMedia(kind models.MediaType, m *models.EvolutionMedia, fallbackURL, defaultMime string) *models.Media {
	url := firstNonEmpty(m.URL, fallbackURL)
	if url == "" {
		return nil
	}
	return &models.Media{
		Type:     kind,
		URL:      url,
		MimeType: firstNonEmpty(m.Mimetype, defaultMime),
		Caption:  m.Caption,
		FileName: m.FileName,
	}
}

// normalizeEvent accepts both "connection.update" and "CONNECTION_UPDATE".
func normalizeEvent(event string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(event)), "_", ".")
}

// jidUser returns the user part of a WhatsApp JID, dropping any device suffix.
func jidUser(jid string) string {
	user := jid
	if i := strings.IndexByte(user, '@'); i >= 0 {
		user = user[:i]
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return user
}

func decodeOneOrMany(data json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty data")
	}
	return []json.RawMessage{trimmed}, nil
}
