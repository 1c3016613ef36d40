package models

// InstagramWebhookPayload is posted by the Instagram automation backend for status and
// message events.
type InstagramWebhookPayload struct {
	Type         string            `json:"type"`
	InstanceName string            `json:"instance_name"`
	Status       string            `json:"status,omitempty"`
	QRCode       string            `json:"qrcode,omitempty"`
	Message      *InstagramMessage `json:"message,omitempty"`
}

// InstagramMessage is a direct message received by a paired account.
type InstagramMessage struct {
	ID          string                `json:"id"`
	SenderID    string                `json:"sender_id"`
	Username    string                `json:"username,omitempty"`
	Text        string                `json:"text,omitempty"`
	Attachments []InstagramAttachment `json:"attachments,omitempty"`
	Timestamp   int64                 `json:"timestamp,omitempty"`
}

// InstagramAttachment is one media item of a direct message.
type InstagramAttachment struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	FileName string `json:"file_name,omitempty"`
}
