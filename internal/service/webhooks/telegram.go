package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mamadbah2/chanway/internal/domain/models"
	"github.com/mamadbah2/chanway/pkg/clients/provider"
)

type telegramAttachment struct {
	fileID   string
	kind     models.MediaType
	mimeType string
	fileName string
}

func (s *Service) telegram(ctx context.Context, instanceID string, body []byte) error {
	var update models.TelegramUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		return fmt.Errorf("%w: malformed telegram update: %v", errDrop, err)
	}

	inst, err := s.resolve(ctx, models.ChannelTelegram, s.registry.Lookup, instanceID)
	if err != nil {
		return err
	}

	msg := update.Message
	if msg == nil {
		msg = update.EditedMessage
	}
	if msg == nil {
		msg = update.ChannelPost
	}
	if msg == nil {
		return fmt.Errorf("%w: telegram update %d carries no message", errDrop, update.UpdateID)
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	var media *models.Media
	if att := telegramMedia(msg); att != nil {
		mediaURL, err := s.resolveFile(ctx, inst, att.fileID)
		if err != nil {
			// Telegram does not redeliver, so the message is lost here.
			s.logger.Warn("telegram file resolution failed, message dropped",
				zap.String("instance_id", inst.ID),
				zap.Int64("update_id", update.UpdateID),
				zap.Error(err),
			)
			return fmt.Errorf("%w: getFile failed", errDrop)
		}
		media = &models.Media{Type: att.kind, URL: mediaURL, MimeType: att.mimeType, Caption: msg.Caption, FileName: att.fileName}
	}
	if text == "" && media == nil {
		return fmt.Errorf("%w: telegram message without text or media", errDrop)
	}

	from := provider.Handle(models.ChannelTelegram, strconv.FormatInt(msg.Chat.ID, 10))
	correlation := from
	switch {
	case msg.MessageID != 0:
		correlation = strconv.FormatInt(msg.MessageID, 10)
	case update.UpdateID != 0:
		correlation = strconv.FormatInt(update.UpdateID, 10)
	}

	var pushName string
	if msg.From != nil {
		pushName = firstNonEmpty(msg.From.Username, msg.From.FirstName)
	}

	return s.publishMessage(ctx, inst, models.CanonicalInboundMessage{
		InstanceID:     inst.ID,
		ChannelType:    models.ChannelTelegram,
		LeadExternalID: from,
		From:           from,
		PushName:       pushName,
		Body:           optional(text),
		Media:          media,
		Raw:            body,
		CorrelationID:  correlation,
	})
}

func (s *Service) resolveFile(ctx context.Context, inst *models.ChannelInstance, fileID string) (string, error) {
	if s.files == nil {
		return "", fmt.Errorf("%w: no telegram file resolver", models.ErrConfiguration)
	}
	token, err := s.registry.BotToken(inst)
	if err != nil {
		return "", err
	}
	filePath, err := s.files.FilePath(ctx, token, fileID)
	if err != nil {
		return "", err
	}
	return TelegramMediaURL(s.cfg.MediaBaseURL, inst.ID, filePath), nil
}

// TelegramMediaURL is the gateway URL proxying a Telegram file. Bot API download
// URLs embed the bot token, so they are never handed to consumers.
func TelegramMediaURL(baseURL, instanceID, filePath string) string {
	return baseURL + "/media/telegram/" + url.PathEscape(instanceID) + "/" + strings.TrimPrefix(filePath, "/")
}

// telegramMedia picks the single attachment of a message, preferring the largest
// photo size.
func telegramMedia(msg *models.TelegramMessage) *telegramAttachment {
	switch {
	case len(msg.Photo) > 0:
		best := msg.Photo[0]
		for _, p := range msg.Photo[1:] {
			if p.Width*p.Height > best.Width*best.Height {
				best = p
			}
		}
		return &telegramAttachment{fileID: best.FileID, kind: models.MediaImage, mimeType: "image/jpeg"}
	case msg.Voice != nil:
		return &telegramAttachment{fileID: msg.Voice.FileID, kind: models.MediaAudio, mimeType: firstNonEmpty(msg.Voice.MIMEType, "audio/ogg")}
	case msg.Audio != nil:
		return &telegramAttachment{fileID: msg.Audio.FileID, kind: models.MediaAudio, mimeType: firstNonEmpty(msg.Audio.MIMEType, "audio/mpeg"), fileName: msg.Audio.FileName}
	case msg.Document != nil:
		return &telegramAttachment{fileID: msg.Document.FileID, kind: models.MediaDocument, mimeType: firstNonEmpty(msg.Document.MIMEType, "application/octet-stream"), fileName: msg.Document.FileName}
	}
	return nil
}
