package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"salesdash/config"
	"salesdash/models"
	"salesdash/store"
)

// refreshMargin is how much remaining validity a cached access token needs
// before it is handed out without a refresh round trip.
const refreshMargin = 5 * time.Minute

// NoCredentialError means the sender has no stored credential at all.
type NoCredentialError struct {
	SenderID uint
}

func (e *NoCredentialError) Error() string {
	return fmt.Sprintf("no send credentials stored for sender %d", e.SenderID)
}

// ReauthRequiredError means the refresh credential is missing or was rejected
// upstream; the sender has to re-authenticate out-of-band. Never retried
// automatically.
type ReauthRequiredError struct {
	SenderID uint
	Err      error
}

func (e *ReauthRequiredError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("sender %d must re-authenticate", e.SenderID)
	}
	return fmt.Sprintf("sender %d must re-authenticate: %v", e.SenderID, e.Err)
}

func (e *ReauthRequiredError) Unwrap() error { return e.Err }

// CredentialStore is the slice of the sender store the provider needs.
type CredentialStore interface {
	Get(ctx context.Context, senderID uint) (*models.Sender, error)
	SaveTokens(ctx context.Context, senderID uint, encryptedAccess string, expiry time.Time, encryptedRefresh string) error
	MarkReauthRequired(ctx context.Context, senderID uint, reason string) error
}

// CredentialProvider hands out currently valid access tokens for sender
// identities, refreshing and re-persisting the pair when the cached token is
// near expiry.
type CredentialProvider struct {
	store   CredentialStore
	enc     *Encryptor
	configs map[string]*oauth2.Config
	now     func() time.Time
}

func NewCredentialProvider(credStore CredentialStore, enc *Encryptor, cfg *config.Config) *CredentialProvider {
	configs := map[string]*oauth2.Config{
		"google": {
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.Google.RedirectURI,
			Endpoint:     google.Endpoint,
			Scopes:       []string{"https://www.googleapis.com/auth/gmail.send"},
		},
		"microsoft": {
			ClientID:     cfg.Microsoft.ClientID,
			ClientSecret: cfg.Microsoft.ClientSecret,
			RedirectURL:  cfg.Microsoft.RedirectURI,
			Endpoint:     microsoft.AzureADEndpoint("common"),
			Scopes:       []string{"https://graph.microsoft.com/Mail.Send", "offline_access"},
		},
	}
	return &CredentialProvider{
		store:   credStore,
		enc:     enc,
		configs: configs,
		now:     time.Now,
	}
}

// NewCredentialProviderWithConfigs lets tests point providers at a local
// token endpoint.
func NewCredentialProviderWithConfigs(credStore CredentialStore, enc *Encryptor, configs map[string]*oauth2.Config, now func() time.Time) *CredentialProvider {
	return &CredentialProvider{store: credStore, enc: enc, configs: configs, now: now}
}

// ValidToken returns an access token usable immediately for the sender. If
// the cached token has more than the safety margin of validity left it is
// returned unchanged; otherwise the stored refresh token buys a new one and
// the refreshed pair is persisted.
func (p *CredentialProvider) ValidToken(ctx context.Context, senderID uint) (string, error) {
	sender, err := p.store.Get(ctx, senderID)
	if err != nil {
		if errors.Is(err, store.ErrSenderNotFound) {
			return "", &NoCredentialError{SenderID: senderID}
		}
		return "", fmt.Errorf("load sender %d: %w", senderID, err)
	}

	if sender.OAuthToken == "" && sender.OAuthRefreshToken == "" {
		return "", &NoCredentialError{SenderID: senderID}
	}

	accessToken, err := p.enc.Decrypt(sender.OAuthToken)
	if err != nil {
		return "", fmt.Errorf("decrypt access token for sender %d: %w", senderID, err)
	}

	if accessToken != "" && sender.OAuthExpiry.After(p.now().Add(refreshMargin)) {
		return accessToken, nil
	}

	return p.refresh(ctx, sender)
}

func (p *CredentialProvider) refresh(ctx context.Context, sender *models.Sender) (string, error) {
	log := logrus.WithFields(logrus.Fields{
		"sender_id": sender.ID,
		"provider":  sender.OAuthProvider,
	})

	refreshToken, err := p.enc.Decrypt(sender.OAuthRefreshToken)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token for sender %d: %w", sender.ID, err)
	}
	if refreshToken == "" {
		log.Warn("sender has no refresh token")
		return "", &ReauthRequiredError{SenderID: sender.ID}
	}

	oauthCfg, ok := p.configs[sender.OAuthProvider]
	if !ok {
		return "", &ReauthRequiredError{SenderID: sender.ID, Err: fmt.Errorf("unknown oauth provider %q", sender.OAuthProvider)}
	}

	token, err := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		log.WithError(err).Warn("token refresh rejected")
		if markErr := p.store.MarkReauthRequired(ctx, sender.ID, err.Error()); markErr != nil {
			log.WithError(markErr).Error("failed to flag sender for re-auth")
		}
		return "", &ReauthRequiredError{SenderID: sender.ID, Err: err}
	}

	encryptedAccess, err := p.enc.Encrypt(token.AccessToken)
	if err != nil {
		return "", fmt.Errorf("encrypt refreshed token for sender %d: %w", sender.ID, err)
	}

	// Providers only rotate the refresh token sometimes; keep the old one
	// when the response omits it.
	encryptedRefresh := ""
	if token.RefreshToken != "" && token.RefreshToken != refreshToken {
		encryptedRefresh, err = p.enc.Encrypt(token.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("encrypt rotated refresh token for sender %d: %w", sender.ID, err)
		}
	}

	if err := p.store.SaveTokens(ctx, sender.ID, encryptedAccess, token.Expiry, encryptedRefresh); err != nil {
		return "", fmt.Errorf("persist refreshed tokens for sender %d: %w", sender.ID, err)
	}

	log.Info("refreshed sender access token")
	return token.AccessToken, nil
}
