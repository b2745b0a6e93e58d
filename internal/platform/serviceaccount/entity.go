package serviceaccount

import (
	"time"
)

// WebhookAuthType defines the authentication type for webhooks
type WebhookAuthType string

const (
	WebhookAuthTypeBearer WebhookAuthType = "BEARER"
	WebhookAuthTypeBasic  WebhookAuthType = "BASIC"
)

// SigningAlgorithm defines the signing algorithm for webhooks
type SigningAlgorithm string

const (
	SigningAlgorithmHMACSHA256 SigningAlgorithm = "HMAC_SHA256"
)

// ServiceAccount is the durable record a dispatch job's ServiceAccountID
// points at. Its WebhookCredentials are resolved at dispatch time through a
// SecretResolver and cached — see Cache.
//
// Collection: service_accounts
type ServiceAccount struct {
	ID                 string              `bson:"_id" json:"id"`
	Code               string              `bson:"code" json:"code"` // Unique code
	Name               string              `bson:"name" json:"name"`
	Description        string              `bson:"description,omitempty" json:"description,omitempty"`
	Active             bool                `bson:"active" json:"active"`
	WebhookCredentials *WebhookCredentials `bson:"webhookCredentials,omitempty" json:"webhookCredentials,omitempty"`
	LastUsedAt         time.Time           `bson:"lastUsedAt,omitempty" json:"lastUsedAt,omitempty"`
	CreatedAt          time.Time           `bson:"createdAt" json:"createdAt"`
	UpdatedAt          time.Time           `bson:"updatedAt" json:"updatedAt"`
}

// WebhookCredentials holds credentials for webhook authentication
type WebhookCredentials struct {
	AuthType         WebhookAuthType  `bson:"authType" json:"authType"`
	AuthTokenRef     string           `bson:"authTokenRef,omitempty" json:"-"` // Secret reference
	SigningSecretRef string           `bson:"signingSecretRef,omitempty" json:"-"` // Secret reference
	SigningAlgorithm SigningAlgorithm `bson:"signingAlgorithm,omitempty" json:"signingAlgorithm,omitempty"`
	CreatedAt        time.Time        `bson:"createdAt" json:"createdAt"`
	RegeneratedAt    time.Time        `bson:"regeneratedAt,omitempty" json:"regeneratedAt,omitempty"`
}

// IsActive returns true if the service account is active
func (sa *ServiceAccount) IsActive() bool {
	return sa.Active
}

// HasWebhookCredentials returns true if webhook credentials are configured
func (sa *ServiceAccount) HasWebhookCredentials() bool {
	return sa.WebhookCredentials != nil
}

