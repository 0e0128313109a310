// Package merchant implements merchant accounts: registration, API-key
// authentication, credential rotation, and the webhook signing primitives.
package merchant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/KasGate/server/internal/kaspa"
	"github.com/KasGate/server/internal/storage"
)

// ErrInvalidKey is returned when an API key does not authenticate. Callers
// get no signal about whether the key ever existed.
var ErrInvalidKey = errors.New("merchant: invalid api key")

// Service owns merchant accounts and their credentials.
type Service struct {
	store   *storage.Store
	deriver kaspa.AddressDeriver
	log     zerolog.Logger
}

// NewService wires a merchant service over the store and address deriver.
func NewService(store *storage.Store, deriver kaspa.AddressDeriver, log zerolog.Logger) *Service {
	return &Service{
		store:   store,
		deriver: deriver,
		log:     log.With().Str("component", "merchant").Logger(),
	}
}

// CreateParams are the registration inputs. Email and WebhookURL are optional.
type CreateParams struct {
	Name       string
	Email      string
	XPub       string
	WebhookURL string
}

// Create registers a merchant, minting an API key and a webhook secret. The
// returned merchant carries both in plaintext; this is the only time the API
// key plaintext leaves the service.
func (s *Service) Create(ctx context.Context, p CreateParams) (storage.Merchant, error) {
	// The deriver is the authority on xpub validity: pattern plus a real
	// derivation at index 0.
	if _, err := s.deriver.Derive(p.XPub, 0); err != nil {
		return storage.Merchant{}, err
	}

	apiKey, err := NewAPIKey()
	if err != nil {
		return storage.Merchant{}, err
	}
	secret, err := NewWebhookSecret()
	if err != nil {
		return storage.Merchant{}, err
	}

	now := time.Now().UTC()
	m := storage.Merchant{
		ID:            uuid.NewString(),
		Name:          p.Name,
		Email:         p.Email,
		XPub:          p.XPub,
		APIKey:        apiKey,
		APIKeyDigest:  KeyDigest(apiKey),
		WebhookURL:    p.WebhookURL,
		WebhookSecret: secret,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateMerchant(ctx, m); err != nil {
		return storage.Merchant{}, err
	}

	s.log.Info().Str("merchant_id", m.ID).Msg("merchant registered")
	return m, nil
}

// Authenticate resolves an API key to its merchant. Lookup goes through the
// key digest; rows created before digests existed are backfilled on first use.
func (s *Service) Authenticate(ctx context.Context, apiKey string) (storage.Merchant, error) {
	if !WellFormedAPIKey(apiKey) {
		return storage.Merchant{}, ErrInvalidKey
	}

	digest := KeyDigest(apiKey)
	m, err := s.store.GetMerchantByKeyDigest(ctx, digest)
	if errors.Is(err, storage.ErrNotFound) {
		m, err = s.store.BackfillKeyDigest(ctx, apiKey, digest)
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Merchant{}, ErrInvalidKey
		}
	}
	if err != nil {
		return storage.Merchant{}, fmt.Errorf("merchant: authenticate: %w", err)
	}
	return m, nil
}

// Get fetches a merchant by id.
func (s *Service) Get(ctx context.Context, id string) (storage.Merchant, error) {
	return s.store.GetMerchant(ctx, id)
}

// Update applies a partial profile update. Nil fields are left untouched.
func (s *Service) Update(ctx context.Context, id string, name, email, webhookURL *string) (storage.Merchant, error) {
	return s.store.UpdateMerchant(ctx, id, name, email, webhookURL)
}

// RegenerateAPIKey rotates the merchant's API key and returns the new
// plaintext. The previous key stops working the moment this returns.
func (s *Service) RegenerateAPIKey(ctx context.Context, id string) (string, error) {
	apiKey, err := NewAPIKey()
	if err != nil {
		return "", err
	}
	if err := s.store.RotateAPIKey(ctx, id, apiKey, KeyDigest(apiKey)); err != nil {
		return "", err
	}
	s.log.Info().Str("merchant_id", id).Msg("api key rotated")
	return apiKey, nil
}

// RegenerateWebhookSecret rotates the webhook signing secret. Pending webhook
// retries re-sign with the secret current at send time, so deliveries made
// after this call verify under the new secret.
func (s *Service) RegenerateWebhookSecret(ctx context.Context, id string) (string, error) {
	secret, err := NewWebhookSecret()
	if err != nil {
		return "", err
	}
	if err := s.store.RotateWebhookSecret(ctx, id, secret); err != nil {
		return "", err
	}
	s.log.Info().Str("merchant_id", id).Msg("webhook secret rotated")
	return secret, nil
}
