package models

// OutboundMessageRequest represents requests to send a message manually via the API.
type OutboundMessageRequest struct {
	To    string `json:"to" binding:"required"`
	Text  string `json:"text" binding:"required_without=Media"`
	Media *Media `json:"media,omitempty"`
}

// CreateInstanceRequest is the body of an instance creation call.
type CreateInstanceRequest struct {
	ChannelType      ChannelType `json:"channel_type" binding:"required,oneof=whatsapp instagram telegram"`
	InstanceName     string      `json:"instance_name" binding:"required,min=3,max=64"`
	CompanyID        string      `json:"company_id,omitempty"`
	TelegramBotToken string      `json:"telegram_bot_token,omitempty"`
}

// UpdateInstanceRequest is the body of an instance update call. ChannelType and
// InstanceName are accepted only so a change attempt can be rejected explicitly.
type UpdateInstanceRequest struct {
	ChannelType      *ChannelType `json:"channel_type,omitempty"`
	InstanceName     *string      `json:"instance_name,omitempty"`
	TelegramBotToken *string      `json:"telegram_bot_token,omitempty"`
}

// SetAPIKeyRequest stores a tenant's own provider API key.
type SetAPIKeyRequest struct {
	APIKey string `json:"api_key" binding:"required"`
}
