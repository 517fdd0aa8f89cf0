package provider

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/voicebridge/campaign-engine/internal/config"
	"github.com/voicebridge/campaign-engine/internal/models"
	"github.com/voicebridge/campaign-engine/pkg/errors"
	"github.com/voicebridge/campaign-engine/pkg/logger"
)

// CredentialService resolves and manages tenant provider credentials backed
// by the provider_credentials table, with the configured process defaults as
// fallback.
type CredentialService struct {
	db       *sql.DB
	cache    CacheInterface
	defaults config.ProvidersConfig
}

type CacheInterface interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

func NewCredentialService(db *sql.DB, cache CacheInterface, defaults config.ProvidersConfig) *CredentialService {
	return &CredentialService{
		db:       db,
		cache:    cache,
		defaults: defaults,
	}
}

// Resolve returns the tenant override for the provider, or the system
// default. Missing overrides are not an error.
func (s *CredentialService) Resolve(ctx context.Context, tenantID string, p models.Provider) (Credentials, error) {
	cacheKey := fmt.Sprintf("creds:%s:%s", tenantID, p)
	var cached Credentials
	if err := s.cache.Get(ctx, cacheKey, &cached); err == nil && cached.AccountID != "" {
		return cached, nil
	}

	var accountID, authToken string
	err := s.db.QueryRowContext(ctx,
		"SELECT account_id, auth_token FROM provider_credentials WHERE tenant_id = ? AND provider = ?",
		tenantID, p).Scan(&accountID, &authToken)

	if err == sql.ErrNoRows {
		return s.systemDefault(p)
	}
	if err != nil {
		return Credentials{}, errors.Wrap(err, errors.ErrDatabase, "failed to query credentials")
	}

	creds := Credentials{
		Provider:  p,
		AccountID: accountID,
		AuthToken: authToken,
	}

	s.cache.Set(ctx, cacheKey, creds, 5*time.Minute)
	return creds, nil
}

func (s *CredentialService) systemDefault(p models.Provider) (Credentials, error) {
	var d config.ProviderDefault
	switch p {
	case models.ProviderPlivo:
		d = s.defaults.Plivo
	case models.ProviderTwilio:
		d = s.defaults.Twilio
	default:
		return Credentials{}, errors.New(errors.ErrConfiguration, "unknown provider").
			WithContext("provider", string(p))
	}

	if !d.Enabled {
		return Credentials{}, errors.New(errors.ErrConfiguration, "provider not configured").
			WithContext("provider", string(p))
	}

	return Credentials{
		Provider:      p,
		AccountID:     d.AccountID,
		AuthToken:     d.AuthToken,
		SystemDefault: true,
	}, nil
}

// Upsert stores a tenant credential override.
func (s *CredentialService) Upsert(ctx context.Context, creds *models.ProviderCredentials) error {
	log := logger.WithContext(ctx)

	if creds.TenantID == "" || creds.AccountID == "" {
		return errors.New(errors.ErrInternal, "tenant_id and account_id are required")
	}

	query := `
		INSERT INTO provider_credentials (tenant_id, provider, account_id, auth_token, is_default)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE account_id = VALUES(account_id),
			auth_token = VALUES(auth_token), is_default = VALUES(is_default)`

	if _, err := s.db.ExecContext(ctx, query,
		creds.TenantID, creds.Provider, creds.AccountID, creds.AuthToken, creds.IsDefault,
	); err != nil {
		if strings.Contains(err.Error(), "Duplicate entry") {
			return errors.New(errors.ErrConflict, "credentials already exist")
		}
		return errors.Wrap(err, errors.ErrDatabase, "failed to upsert credentials")
	}

	s.cache.Delete(ctx, fmt.Sprintf("creds:%s:%s", creds.TenantID, creds.Provider))

	log.WithFields(map[string]interface{}{
		"tenant_id": creds.TenantID,
		"provider":  creds.Provider,
	}).Info("Provider credentials stored")

	return nil
}

// Delete removes a tenant override; subsequent resolves fall back to the
// system default.
func (s *CredentialService) Delete(ctx context.Context, tenantID string, p models.Provider) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM provider_credentials WHERE tenant_id = ? AND provider = ?",
		tenantID, p); err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to delete credentials")
	}

	s.cache.Delete(ctx, fmt.Sprintf("creds:%s:%s", tenantID, p))
	return nil
}
