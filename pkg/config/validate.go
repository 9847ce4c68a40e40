package config

import (
	"fmt"
	"strings"
)

// ValidateAPI enforces the settings the HTTP service cannot start without.
func (c *Config) ValidateAPI() error {
	missing := []string{}
	if strings.TrimSpace(c.Stripe.APIKey) == "" {
		missing = append(missing, EnvStripeAPIKey)
	}
	if strings.TrimSpace(c.Stripe.WebhookSecret) == "" {
		missing = append(missing, EnvStripeWebhookSecret)
	}
	if strings.TrimSpace(c.App.BaseURL) == "" {
		missing = append(missing, EnvPublicBaseURL)
	}

	switch c.Auth.normalizedProvider() {
	case AuthProviderFirebase:
		if strings.TrimSpace(c.Auth.FirebaseProjectID) == "" {
			missing = append(missing, EnvFirebaseProjectID)
		}
	case AuthProviderJWT:
		if strings.TrimSpace(c.Auth.JWTSecret) == "" {
			missing = append(missing, EnvJWTSecret)
		}
	default:
		return fmt.Errorf("%s must be %q or %q, got %q", EnvAuthProvider, AuthProviderFirebase, AuthProviderJWT, c.Auth.Provider)
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ValidatePublisher enforces the settings the outbox publisher needs.
func (c *Config) ValidatePublisher() error {
	if strings.TrimSpace(c.GCP.ProjectID) == "" {
		return fmt.Errorf("missing required configuration: %s", EnvGCPProjectID)
	}
	if strings.TrimSpace(c.PubSub.BillingTopic) == "" {
		return fmt.Errorf("missing required configuration: %s", EnvPubSubBillingTopic)
	}
	return nil
}
