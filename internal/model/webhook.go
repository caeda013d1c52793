package model

// WebhookPayload is the settlement callback body shared by the gateway and the webhook endpoint.
type WebhookPayload struct {
	AuthID        string `json:"authId"`
	SettlementID  string `json:"settlementId,omitempty"`
	Status        Status `json:"status"`
	FailureReason string `json:"failureReason,omitempty"`
}
