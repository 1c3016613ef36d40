package models

import "io"

// RemoteFile is a provider-hosted file opened for streaming. Size is -1 when unknown.
type RemoteFile struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
}

// TelegramUpdate mirrors an incoming update from the Telegram Bot API webhook.
type TelegramUpdate struct {
	UpdateID      int64            `json:"update_id"`
	Message       *TelegramMessage `json:"message,omitempty"`
	EditedMessage *TelegramMessage `json:"edited_message,omitempty"`
	ChannelPost   *TelegramMessage `json:"channel_post,omitempty"`
}

// TelegramMessage represents the subset of a Telegram message the gateway normalizes.
type TelegramMessage struct {
	MessageID int64               `json:"message_id"`
	From      *TelegramUser       `json:"from,omitempty"`
	Chat      TelegramChat        `json:"chat"`
	Date      int64               `json:"date"`
	Text      string              `json:"text,omitempty"`
	Caption   string              `json:"caption,omitempty"`
	Photo     []TelegramPhotoSize `json:"photo,omitempty"`
	Audio     *TelegramFileRef    `json:"audio,omitempty"`
	Voice     *TelegramFileRef    `json:"voice,omitempty"`
	Document  *TelegramFileRef    `json:"document,omitempty"`
}

// TelegramChat represents a Telegram chat.
type TelegramChat struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// TelegramUser represents a Telegram user or bot.
type TelegramUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// TelegramPhotoSize represents one size of a photo.
type TelegramPhotoSize struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	FileSize     int    `json:"file_size,omitempty"`
}

// TelegramFileRef covers audio, voice and document attachments, which share the
// fields the gateway needs.
type TelegramFileRef struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	FileName     string `json:"file_name,omitempty"`
	MIMEType     string `json:"mime_type,omitempty"`
	FileSize     int    `json:"file_size,omitempty"`
}
