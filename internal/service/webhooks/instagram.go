package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mamadbah2/chanway/internal/domain/models"
	"github.com/mamadbah2/chanway/pkg/clients/provider"
)

func (s *Service) instagram(ctx context.Context, body []byte) error {
	var payload models.InstagramWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("%w: malformed instagram payload: %v", errDrop, err)
	}

	kind := strings.ToLower(payload.Type)
	if kind != "status" && kind != "message" {
		return fmt.Errorf("%w: unhandled instagram event %q", errDrop, payload.Type)
	}

	inst, err := s.resolve(ctx, models.ChannelInstagram, s.registry.LookupByName, payload.InstanceName)
	if err != nil {
		return err
	}

	if kind == "status" {
		if payload.Status == "" && payload.QRCode == "" {
			return fmt.Errorf("%w: empty instagram status", errDrop)
		}
		return s.applyStatus(ctx, inst, models.ConnectionUpdate{
			Status: payload.Status,
			QRCode: payload.QRCode,
			Raw:    body,
		})
	}

	if payload.Message == nil || payload.Message.SenderID == "" {
		return fmt.Errorf("%w: instagram message without sender", errDrop)
	}
	msgs := instagramMessages(inst, payload.Message, body)
	if len(msgs) == 0 {
		return fmt.Errorf("%w: empty instagram message", errDrop)
	}
	for _, msg := range msgs {
		if err := s.publishMessage(ctx, inst, msg); err != nil {
			return err
		}
	}
	return nil
}

// instagramMessages splits a direct message into one canonical message per
// attachment. The text rides on the first one; later ones get an indexed
// correlation id.
func instagramMessages(inst *models.ChannelInstance, m *models.InstagramMessage, raw []byte) []models.CanonicalInboundMessage {
	from := provider.Handle(models.ChannelInstagram, m.SenderID)
	baseCorrelation := firstNonEmpty(m.ID, from)

	build := func(body *string, media *models.Media, correlation string) models.CanonicalInboundMessage {
		return models.CanonicalInboundMessage{
			InstanceID:     inst.ID,
			ChannelType:    models.ChannelInstagram,
			LeadExternalID: from,
			From:           from,
			PushName:       m.Username,
			Body:           body,
			Media:          media,
			Raw:            raw,
			CorrelationID:  correlation,
		}
	}

	var out []models.CanonicalInboundMessage
	for _, att := range m.Attachments {
		if att.URL == "" {
			continue
		}
		var body *string
		correlation := baseCorrelation
		if len(out) == 0 {
			body = optional(m.Text)
		} else {
			correlation = baseCorrelation + ":" + strconv.Itoa(len(out))
		}
		out = append(out, build(body, instagramMedia(att), correlation))
	}
	if len(out) == 0 && m.Text != "" {
		out = append(out, build(optional(m.Text), nil, baseCorrelation))
	}
	return out
}

func instagramMedia(att models.InstagramAttachment) *models.Media {
	kind, mime := models.MediaDocument, "application/octet-stream"
	switch strings.ToLower(att.Type) {
	case "image", "photo":
		kind, mime = models.MediaImage, "image/jpeg"
	case "audio", "voice":
		kind, mime = models.MediaAudio, "audio/mpeg"
	}
	return &models.Media{
		Type:     kind,
		URL:      att.URL,
		MimeType: firstNonEmpty(att.MimeType, mime),
		FileName: att.FileName,
	}
}
