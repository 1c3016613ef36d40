package models

import (
	"encoding/json"
	"time"
)

// Bus channels, which double as event types.
const (
	EventMessageReceived = "message.received"
	EventMessageSent     = "message.sent"
	EventInstanceStatus  = "instance.status"
)

// EventVersion is the only envelope version currently emitted and accepted.
const EventVersion = 1

// Envelope is the domain event wrapper shared by every bus channel.
type Envelope[T any] struct {
	ID            string    `json:"id" validate:"required"`
	Type          string    `json:"type" validate:"required"`
	Version       int       `json:"version" validate:"required,eq=1"`
	OccurredAt    time.Time `json:"occurred_at" validate:"required"`
	CompanyID     string    `json:"company_id" validate:"required"`
	Source        string    `json:"source" validate:"required"`
	CorrelationID string    `json:"correlation_id" validate:"required"`
	CausationID   *string   `json:"causation_id"`
	Payload       T         `json:"payload"`
}

// MediaType enumerates the attachment kinds a canonical message may carry.
type MediaType string

const (
	MediaImage    MediaType = "image"
	MediaAudio    MediaType = "audio"
	MediaDocument MediaType = "document"
)

// Media is a single attachment with a durable download URL.
type Media struct {
	Type     MediaType `json:"type" validate:"required,oneof=image audio document"`
	URL      string    `json:"url" validate:"required"`
	MimeType string    `json:"mime_type" validate:"required"`
	Caption  string    `json:"caption,omitempty"`
	FileName string    `json:"file_name,omitempty"`
}

// CanonicalInboundMessage is the provider-agnostic shape of one inbound message.
type CanonicalInboundMessage struct {
	InstanceID     string          `json:"instance_id" validate:"required"`
	ChannelType    ChannelType     `json:"channel_type" validate:"required"`
	LeadExternalID string          `json:"lead_external_id" validate:"required"`
	From           string          `json:"from" validate:"required"`
	PushName       string          `json:"push_name,omitempty"`
	Body           *string         `json:"body"`
	Media          *Media          `json:"media"`
	Raw            json.RawMessage `json:"raw"`
	CorrelationID  string          `json:"correlation_id" validate:"required"`
}

// InstanceStatusPayload announces the state an instance moved into.
type InstanceStatusPayload struct {
	InstanceID   string        `json:"instance_id" validate:"required"`
	InstanceName string        `json:"instance_name" validate:"required"`
	ChannelType  ChannelType   `json:"channel_type" validate:"required"`
	Status       InstanceState `json:"status" validate:"required,oneof=disconnected qr_ready connected error"`
	QRCode       *string       `json:"qrcode,omitempty"`
	PhoneNumber  *string       `json:"phone_number,omitempty"`
}

// OutboundMessagePayload asks the gateway to deliver a message through an instance.
type OutboundMessagePayload struct {
	InstanceID string `json:"instance_id" validate:"required"`
	To         string `json:"to" validate:"required"`
	Text       string `json:"text" validate:"required_without=Media"`
	Media      *Media `json:"media,omitempty"`
}
