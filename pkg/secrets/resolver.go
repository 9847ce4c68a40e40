// Package secrets resolves config values of the form
// sm://projects/<p>/secrets/<name>/versions/<v> through GCP Secret Manager.
package secrets

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"

	"github.com/angelmondragon/pdf2md-billing/pkg/config"
)

const Prefix = "sm://"

// Accessor reads the payload of a fully qualified secret version.
type Accessor interface {
	Access(ctx context.Context, name string) ([]byte, error)
}

type managerAccessor struct {
	client *secretmanager.Client
}

func (m managerAccessor) Access(ctx context.Context, name string) ([]byte, error) {
	resp, err := m.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return nil, err
	}
	if resp.GetPayload() == nil {
		return nil, fmt.Errorf("secret %s has no payload", name)
	}
	return resp.GetPayload().GetData(), nil
}

type Resolver struct {
	accessor Accessor
	cache    map[string]string
	closeFn  func() error
}

func NewResolver(accessor Accessor) *Resolver {
	return &Resolver{accessor: accessor, cache: map[string]string{}}
}

// NewManagerResolver dials Secret Manager with the configured GCP credentials.
func NewManagerResolver(ctx context.Context, cfg config.GCPConfig) (*Resolver, error) {
	var opts []option.ClientOption
	switch {
	case strings.TrimSpace(cfg.CredentialsJSON) != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	case strings.TrimSpace(cfg.ApplicationCredentials) != "":
		opts = append(opts, option.WithCredentialsFile(cfg.ApplicationCredentials))
	}
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create secret manager client: %w", err)
	}
	r := NewResolver(managerAccessor{client: client})
	r.closeFn = client.Close
	return r, nil
}

func (r *Resolver) Close() error {
	if r == nil || r.closeFn == nil {
		return nil
	}
	return r.closeFn()
}

func IsReference(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), Prefix)
}

// Resolve returns value unchanged unless it is an sm:// reference.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	if !IsReference(value) {
		return value, nil
	}
	name, err := versionName(value)
	if err != nil {
		return "", err
	}
	if cached, ok := r.cache[name]; ok {
		return cached, nil
	}
	data, err := r.accessor.Access(ctx, name)
	if err != nil {
		return "", fmt.Errorf("access secret %s: %w", name, err)
	}
	resolved := strings.TrimSpace(string(data))
	r.cache[name] = resolved
	return resolved, nil
}

// ResolveConfig replaces every sm:// reference among the sensitive config
// fields in place.
func (r *Resolver) ResolveConfig(ctx context.Context, cfg *config.Config) error {
	for field, ptr := range sensitiveFields(cfg) {
		resolved, err := r.Resolve(ctx, *ptr)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", field, err)
		}
		*ptr = resolved
	}
	return nil
}

// HasReferences reports whether any sensitive field needs resolution, so
// callers can skip dialing Secret Manager entirely.
func HasReferences(cfg *config.Config) bool {
	for _, ptr := range sensitiveFields(cfg) {
		if IsReference(*ptr) {
			return true
		}
	}
	return false
}

func sensitiveFields(cfg *config.Config) map[string]*string {
	return map[string]*string{
		"db.dsn":                    &cfg.DB.DSN,
		"redis.url":                 &cfg.Redis.URL,
		"redis.password":            &cfg.Redis.Password,
		"auth.jwt_secret":           &cfg.Auth.JWTSecret,
		"auth.firebase_credentials": &cfg.Auth.FirebaseCredentialsJSON,
		"stripe.api_key":            &cfg.Stripe.APIKey,
		"stripe.webhook_secret":     &cfg.Stripe.WebhookSecret,
		"storage.access_key_id":     &cfg.Storage.AccessKeyID,
		"storage.secret_access_key": &cfg.Storage.SecretAccessKey,
		"ocr.api_key":               &cfg.OCR.APIKey,
	}
}

func versionName(ref string) (string, error) {
	name := strings.TrimPrefix(strings.TrimSpace(ref), Prefix)
	parts := strings.Split(name, "/")
	if len(parts) != 4 && len(parts) != 6 {
		return "", fmt.Errorf("invalid secret reference %q", ref)
	}
	if parts[0] != "projects" || parts[2] != "secrets" || parts[1] == "" || parts[3] == "" {
		return "", fmt.Errorf("invalid secret reference %q", ref)
	}
	if len(parts) == 4 {
		return name + "/versions/latest", nil
	}
	if parts[4] != "versions" || parts[5] == "" {
		return "", fmt.Errorf("invalid secret reference %q", ref)
	}
	return name, nil
}

// Apply resolves every sm:// reference in cfg, dialing Secret Manager only
// when at least one is present.
func Apply(ctx context.Context, cfg *config.Config) error {
	if !HasReferences(cfg) {
		return nil
	}
	r, err := NewManagerResolver(ctx, cfg.GCP)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	return r.ResolveConfig(ctx, cfg)
}
