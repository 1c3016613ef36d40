package models

import "encoding/json"

// EvolutionWebhookPayload mirrors the envelope the WhatsApp (Evolution-style) gateway posts
// for every event. Data is decoded lazily because its shape depends on Event.
type EvolutionWebhookPayload struct {
	Event       string          `json:"event"`
	Instance    string          `json:"instance"`
	Data        json.RawMessage `json:"data"`
	Sender      string          `json:"sender,omitempty"`
	DateTime    string          `json:"date_time,omitempty"`
	ServerURL   string          `json:"server_url,omitempty"`
	APIKey      string          `json:"apikey,omitempty"`
	Destination string          `json:"destination,omitempty"`
}

// EvolutionConnectionData is the data of a connection.update event.
type EvolutionConnectionData struct {
	Instance       string `json:"instance"`
	State          string `json:"state"`
	StatusReason   int    `json:"statusReason"`
	WUID           string `json:"wuid,omitempty"`
	ProfileName    string `json:"profileName,omitempty"`
	ProfilePicture string `json:"profilePictureUrl,omitempty"`
}

// EvolutionQRCodeData is the data of a qrcode.updated event.
type EvolutionQRCodeData struct {
	QRCode struct {
		Instance    string `json:"instance"`
		PairingCode string `json:"pairingCode"`
		Code        string `json:"code"`
		Base64      string `json:"base64"`
	} `json:"qrcode"`
}

// EvolutionMessageKey identifies a WhatsApp message and its chat.
type EvolutionMessageKey struct {
	RemoteJID   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	ID          string `json:"id"`
	Participant string `json:"participant,omitempty"`
}

// EvolutionMessageData is the data of a messages.upsert event.
type EvolutionMessageData struct {
	Key              EvolutionMessageKey `json:"key"`
	PushName         string              `json:"pushName"`
	Message          *EvolutionMessage   `json:"message"`
	MessageType      string              `json:"messageType"`
	MessageTimestamp int64               `json:"messageTimestamp"`
}

// EvolutionMessage aggregates the inbound message shapes we normalize.
type EvolutionMessage struct {
	Conversation        string                 `json:"conversation,omitempty"`
	ExtendedTextMessage *EvolutionExtendedText `json:"extendedTextMessage,omitempty"`
	ImageMessage        *EvolutionMedia        `json:"imageMessage,omitempty"`
	AudioMessage        *EvolutionMedia        `json:"audioMessage,omitempty"`
	DocumentMessage     *EvolutionMedia        `json:"documentMessage,omitempty"`
	MediaURL            string                 `json:"mediaUrl,omitempty"`
}

// EvolutionExtendedText carries text sent with link previews or replies.
type EvolutionExtendedText struct {
	Text string `json:"text"`
}

// EvolutionMedia represents media attachment metadata.
type EvolutionMedia struct {
	URL      string `json:"url"`
	Mimetype string `json:"mimetype"`
	Caption  string `json:"caption,omitempty"`
	FileName string `json:"fileName,omitempty"`
}
