package biz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"MailSentry/internal/conf"
	"MailSentry/internal/data"
	"MailSentry/pkg/crypto"
	"MailSentry/pkg/emailerr"
	"MailSentry/pkg/mailapi"
	"MailSentry/pkg/retry"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// Tokens within this window of expiry are refreshed proactively.
	tokenRefreshSkew = 5 * time.Minute
	// This many consecutive refresh failures invalidate the account.
	maxRefreshFailures = 3
	// Size of the per-process decrypt cache. Soft optimization only; the
	// encrypted row is always the source of truth.
	decryptCacheSize = 256
)

// ErrReasonReauthRequired is the coded reason for unrecoverable credential
// failures. Callers surface it to the account owner.
const ErrReasonReauthRequired = "REAUTH_REQUIRED"

// NewReauthRequiredError builds the coded error for a dead refresh token.
func NewReauthRequiredError(accountID int64, cause error) error {
	return kerrors.New(401, ErrReasonReauthRequired,
		fmt.Sprintf("account %d requires re-authorization: %v", accountID, cause))
}

// IsReauthRequired reports whether err carries the re-authorization code.
func IsReauthRequired(err error) bool {
	return kerrors.Reason(err) == ErrReasonReauthRequired
}

// NewMailClient constructs the provider client from configuration.
func NewMailClient(bc *conf.Bootstrap) (mailapi.Client, error) {
	opts := mailapi.Options{}
	if p := bc.Provider; p != nil {
		opts.BaseURL = p.BaseUrl
		opts.TokenURL = p.TokenUrl
		opts.ProxyURL = p.ProxyUrl
		if p.Timeout != nil {
			opts.Timeout = p.Timeout.AsDuration()
		}
	}
	return mailapi.NewHTTPClient(opts)
}

// refreshCall is one in-flight refresh shared by concurrent callers.
type refreshCall struct {
	done  chan struct{}
	token string
	err   error
}

// TokenCoordinator hands out valid access tokens. Refreshes are
// single-flight per account within a process: concurrent callers for the
// same account share one provider exchange instead of racing refresh-token
// rotation. Cross-process failure streaks accumulate in the shared store.
type TokenCoordinator struct {
	repo   AccountRepo
	client mailapi.Client
	crypto *crypto.AESCrypto
	conf   *conf.Provider
	logger *log.Helper

	mu       sync.Mutex
	inflight map[int64]*refreshCall

	// decryptCache maps ciphertext to plaintext. Keyed by ciphertext, so a
	// token rotation naturally misses.
	decryptCache *lru.Cache[string, string]
}

// NewTokenCoordinator creates the token coordinator.
func NewTokenCoordinator(repo AccountRepo, client mailapi.Client, bc *conf.Bootstrap, logger log.Logger) (*TokenCoordinator, error) {
	if bc.Auth == nil || bc.Auth.Encryption == nil || bc.Auth.Encryption.Key == "" {
		return nil, fmt.Errorf("encryption key is required")
	}
	aes, err := crypto.NewAESCrypto([]byte(bc.Auth.Encryption.Key))
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}

	cache, err := lru.New[string, string](decryptCacheSize)
	if err != nil {
		return nil, err
	}

	return &TokenCoordinator{
		repo:         repo,
		client:       client,
		crypto:       aes,
		conf:         bc.Provider,
		logger:       log.NewHelper(logger),
		inflight:     make(map[int64]*refreshCall),
		decryptCache: cache,
	}, nil
}

// EnsureValidToken returns a usable access token for the account,
// refreshing it first when missing or near expiry.
func (tc *TokenCoordinator) EnsureValidToken(ctx context.Context, account *data.MailAccount) (string, error) {
	if account.AccessTokenEncrypted != "" && account.TokenExpiresAt != nil &&
		time.Until(*account.TokenExpiresAt) > tokenRefreshSkew {
		token, err := tc.decrypt(account.AccessTokenEncrypted)
		if err == nil {
			return token, nil
		}
		tc.logger.Warnf("stored access token undecryptable for account %d, refreshing: %v", account.ID, err)
	}
	return tc.Refresh(ctx, account)
}

// Refresh exchanges the account's refresh token for a new access token.
// Concurrent callers for the same account join the in-flight exchange.
func (tc *TokenCoordinator) Refresh(ctx context.Context, account *data.MailAccount) (string, error) {
	tc.mu.Lock()
	if call, ok := tc.inflight[account.ID]; ok {
		tc.mu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	call := &refreshCall{done: make(chan struct{})}
	tc.inflight[account.ID] = call
	tc.mu.Unlock()

	call.token, call.err = tc.doRefresh(ctx, account)

	tc.mu.Lock()
	delete(tc.inflight, account.ID)
	tc.mu.Unlock()
	close(call.done)

	return call.token, call.err
}

// RetryConfigFor returns the polling retry config with a hook that swaps
// in a freshly refreshed access token before the next attempt when the
// provider rejects the current one. Refresh failures are logged and the
// retry proceeds with the old token.
func (tc *TokenCoordinator) RetryConfigFor(ctx context.Context, account *data.MailAccount, token *string) retry.Config {
	cfg := retry.DefaultConfig
	cfg.OnRetry = func(_ int, err error) {
		if !emailerr.IsKind(err, emailerr.KindAuth) {
			return
		}
		fresh, rerr := tc.Refresh(ctx, account)
		if rerr != nil {
			tc.logger.Warnf("token refresh before retry failed for account %d: %v", account.ID, rerr)
			return
		}
		*token = fresh
	}
	return cfg
}

func (tc *TokenCoordinator) doRefresh(ctx context.Context, account *data.MailAccount) (string, error) {
	if account.RefreshTokenEncrypted == "" {
		err := fmt.Errorf("account %d has no refresh token", account.ID)
		tc.invalidate(ctx, account.ID)
		return "", NewReauthRequiredError(account.ID, err)
	}

	refreshToken, err := tc.decrypt(account.RefreshTokenEncrypted)
	if err != nil {
		tc.invalidate(ctx, account.ID)
		return "", NewReauthRequiredError(account.ID, fmt.Errorf("refresh token undecryptable: %w", err))
	}

	clientID, clientSecret := "", ""
	if tc.conf != nil {
		clientID = tc.conf.ClientId
		clientSecret = tc.conf.ClientSecret
	}

	resp, err := tc.client.RefreshAccessToken(ctx, refreshToken, clientID, clientSecret)
	if err != nil {
		return "", tc.handleRefreshFailure(ctx, account.ID, err)
	}

	accessEnc, err := tc.crypto.Encrypt(resp.AccessToken)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refreshEnc := ""
	if resp.RefreshToken != "" && resp.RefreshToken != refreshToken {
		// Provider rotated the refresh token; persist the new one.
		refreshEnc, err = tc.crypto.Encrypt(resp.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}

	expiresAt := time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	err = tc.repo.UpdateTokens(ctx, account.ID, account.Version, accessEnc, refreshEnc, expiresAt)
	if err != nil {
		if errors.Is(err, data.ErrVersionConflict) {
			// Another process refreshed first. Its token is just as good.
			tc.logger.Infow("token refresh lost version race, using fresh token anyway",
				"account_id", account.ID)
		} else {
			tc.logger.Errorf("failed to persist refreshed tokens for account %d: %v", account.ID, err)
		}
	} else {
		account.Version++
		account.AccessTokenEncrypted = accessEnc
		account.TokenExpiresAt = &expiresAt
	}

	tc.repo.ClearRefreshFailure(ctx, account.ID)
	tc.decryptCache.Add(accessEnc, resp.AccessToken)

	tc.logger.Debugw("access token refreshed", "account_id", account.ID, "expires_at", expiresAt)
	return resp.AccessToken, nil
}

// handleRefreshFailure classifies a failed exchange. Dead refresh tokens
// invalidate the account immediately; transient failures invalidate it only
// after a shared streak of maxRefreshFailures.
func (tc *TokenCoordinator) handleRefreshFailure(ctx context.Context, accountID int64, cause error) error {
	classified := emailerr.Classify(cause)
	if classified.NeedsReauth() {
		tc.invalidate(ctx, accountID)
		return NewReauthRequiredError(accountID, cause)
	}

	count, err := tc.repo.IncrRefreshFailure(ctx, accountID)
	if err == nil && count >= maxRefreshFailures {
		tc.logger.Warnw("refresh failure streak exhausted, invalidating account",
			"account_id", accountID, "failures", count)
		tc.invalidate(ctx, accountID)
		return NewReauthRequiredError(accountID, cause)
	}

	return fmt.Errorf("token refresh failed for account %d: %w", accountID, classified)
}

func (tc *TokenCoordinator) invalidate(ctx context.Context, accountID int64) {
	if err := tc.repo.MarkInvalid(ctx, accountID); err != nil {
		tc.logger.Errorf("failed to invalidate account %d: %v", accountID, err)
	}
	tc.repo.ClearRefreshFailure(ctx, accountID)
}

func (tc *TokenCoordinator) decrypt(ciphertext string) (string, error) {
	if plain, ok := tc.decryptCache.Get(ciphertext); ok {
		return plain, nil
	}
	plain, err := tc.crypto.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	tc.decryptCache.Add(ciphertext, plain)
	return plain, nil
}
