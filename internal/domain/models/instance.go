package models

import (
	"regexp"
	"time"
)

// ChannelType identifies the messaging provider family an instance is bound to.
type ChannelType string

const (
	ChannelWhatsApp  ChannelType = "whatsapp"
	ChannelInstagram ChannelType = "instagram"
	ChannelTelegram  ChannelType = "telegram"
)

// Valid reports whether the channel type is one the gateway knows about.
func (c ChannelType) Valid() bool {
	switch c {
	case ChannelWhatsApp, ChannelInstagram, ChannelTelegram:
		return true
	}
	return false
}

// UsesQR reports whether pairing for this channel goes through a scannable code.
func (c ChannelType) UsesQR() bool {
	return c == ChannelWhatsApp || c == ChannelInstagram
}

// InstanceState is the connection lifecycle state of a channel instance.
type InstanceState string

const (
	StateDisconnected InstanceState = "disconnected"
	StateQRReady      InstanceState = "qr_ready"
	StateConnected    InstanceState = "connected"
	StateError        InstanceState = "error"
)

var instanceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,64}$`)

// ValidInstanceName reports whether name can be used as a provider-facing handle.
func ValidInstanceName(name string) bool {
	return instanceNamePattern.MatchString(name)
}

// ChannelInstance is one tenant's binding to one provider account.
type ChannelInstance struct {
	ID                  string        `json:"id" bson:"_id"`
	CompanyID           string        `json:"company_id" bson:"company_id"`
	ChannelType         ChannelType   `json:"channel_type" bson:"channel_type"`
	InstanceName        string        `json:"instance_name" bson:"instance_name"`
	State               InstanceState `json:"state" bson:"state"`
	TelegramBotTokenEnc string        `json:"-" bson:"telegram_bot_token_enc,omitempty"`
	PhoneNumber         *string       `json:"phone_number" bson:"phone_number,omitempty"`
	ProfileName         *string       `json:"profile_name" bson:"profile_name,omitempty"`
	LastConnectedAt     *time.Time    `json:"last_connected_at" bson:"last_connected_at,omitempty"`
	LastDisconnectedAt  *time.Time    `json:"last_disconnected_at" bson:"last_disconnected_at,omitempty"`
	ErrorMessage        *string       `json:"error_message" bson:"error_message,omitempty"`
	StatusRaw           string        `json:"-" bson:"status_raw,omitempty"`
	CreatedAt           time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at" bson:"updated_at"`
}

// Caller identifies who is acting on the registry.
type Caller struct {
	CompanyID  string
	Privileged bool
}

// SystemCaller is used by internal components that act on behalf of every tenant.
var SystemCaller = Caller{Privileged: true}

// CanAccess reports whether the caller may act on the given instance.
func (c Caller) CanAccess(inst *ChannelInstance) bool {
	if c.Privileged {
		return true
	}
	return inst != nil && c.CompanyID != "" && inst.CompanyID == c.CompanyID
}

// ProviderStatus is the raw status a provider reports for an instance.
type ProviderStatus struct {
	Status      string
	PhoneNumber string
	ProfileName string
	Raw         []byte
}

// ConnectionUpdate is a status fact pushed by a provider webhook.
type ConnectionUpdate struct {
	Status      string
	QRCode      string
	PhoneNumber string
	ProfileName string
	Raw         []byte
}
