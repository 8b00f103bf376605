package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	claudeOAuthClientID     = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	claudeOAuthRedirectURI  = "https://console.anthropic.com/oauth/code/callback"
	claudeOAuthTokenURL     = "https://console.anthropic.com/v1/oauth/token"
	claudeOAuthAuthorizeURL = "https://claude.ai/oauth/authorize"
	claudeOAuthScopes       = "org:create_api_key user:profile user:inference"
)

// PKCE contains the code verifier and challenge for the OAuth flow.
type PKCE struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE generates a PKCE code verifier and challenge.
func GeneratePKCE() (*PKCE, error) {
	verifierBytes := make([]byte, 32)
	if _, err := rand.Read(verifierBytes); err != nil {
		return nil, fmt.Errorf("generate verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)

	hash := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(hash[:])

	return &PKCE{Verifier: verifier, Challenge: challenge}, nil
}

// tokenResponse is the provider token endpoint response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	Organization *struct {
		UUID string `json:"uuid"`
	} `json:"organization"`
}

func (t *tokenResponse) bundle(now time.Time) *OAuthBundle {
	return &OAuthBundle{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(t.ExpiresIn) * time.Second),
		Scopes:       strings.Fields(t.Scope),
	}
}

// oauthAuthenticator exchanges authorization codes for token bundles,
// refreshes them on demand, and can bootstrap OAuth from a session
// cookie. Concurrent refreshes for the same account collapse into one
// network call.
type oauthAuthenticator struct {
	cfg          config
	client       *upstreamClient
	store        *accountStore
	refreshGroup singleflight.Group
}

func newOAuthAuthenticator(cfg config, client *upstreamClient, store *accountStore) *oauthAuthenticator {
	return &oauthAuthenticator{cfg: cfg, client: client, store: store}
}

// AuthorizeURL builds the provider authorization URL for an admin to
// open, returning the PKCE state to hold until the code comes back.
func (o *oauthAuthenticator) AuthorizeURL() (string, *PKCE, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return "", nil, err
	}
	u, err := url.Parse(o.cfg.oauthAuthorizeURL)
	if err != nil {
		return "", nil, err
	}
	q := u.Query()
	q.Set("code", "true")
	q.Set("client_id", o.cfg.oauthClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", o.cfg.oauthRedirectURI)
	q.Set("scope", claudeOAuthScopes)
	q.Set("code_challenge", pkce.Challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", pkce.Verifier)
	u.RawQuery = q.Encode()
	return u.String(), pkce, nil
}

func (o *oauthAuthenticator) postToken(ctx context.Context, body map[string]string) (*tokenResponse, error) {
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	resp, err := o.client.do(ctx, upstreamRequest{
		method:  http.MethodPost,
		url:     o.cfg.oauthTokenURL,
		headers: headers,
		body:    bodyJSON,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("token endpoint: %s: %s", resp.Status, safeText(respBody))
	}

	var result tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	return &result, nil
}

// ExchangeFromCode exchanges an authorization code for tokens and
// attaches the bundle to an account, creating the account if needed.
// The code format from the provider is "code#state".
func (o *oauthAuthenticator) ExchangeFromCode(ctx context.Context, orgUUID, code, verifier string, caps []Capability) (*Account, error) {
	codeOnly := code
	state := ""
	if idx := strings.IndexByte(code, '#'); idx >= 0 {
		codeOnly = code[:idx]
		state = code[idx+1:]
	}

	body := map[string]string{
		"code":          codeOnly,
		"grant_type":    "authorization_code",
		"client_id":     o.cfg.oauthClientID,
		"redirect_uri":  o.cfg.oauthRedirectURI,
		"code_verifier": verifier,
	}
	if state != "" {
		body["state"] = state
	}

	tokens, err := o.postToken(ctx, body)
	if err != nil {
		return nil, wrapError(errOAuthExchange, "code exchange", err)
	}

	now := time.Now()
	if orgUUID == "" && tokens.Organization != nil {
		orgUUID = tokens.Organization.UUID
	}
	if orgUUID == "" {
		return nil, perror(errOAuthExchange, "token response carries no organization")
	}

	acc := o.store.get(orgUUID)
	if acc == nil {
		acc = &Account{
			OrganizationUUID: orgUUID,
			PreferredAuth:    AuthAuto,
			CreatedAt:        now.UTC(),
		}
		o.store.add(acc)
	}
	acc.mu.Lock()
	acc.OAuth = tokens.bundle(now)
	if len(caps) > 0 {
		acc.Capabilities = caps
	} else if len(acc.Capabilities) == 0 {
		acc.Capabilities = []Capability{CapChat, CapClaudePro}
	}
	acc.UpdatedAt = now.UTC()
	acc.mu.Unlock()
	o.store.scheduleSave()
	return acc, nil
}

// ExchangeFromCookie runs the authorization flow headlessly using the
// account's session cookie, over the fingerprinted transport. Used by
// the admin bootstrap path and when a web account first needs API
// features.
func (o *oauthAuthenticator) ExchangeFromCookie(ctx context.Context, acc *Account) error {
	acc.mu.Lock()
	cookie := acc.CookieValue
	org := acc.OrganizationUUID
	acc.mu.Unlock()
	if cookie == "" {
		return perror(errOAuthExchange, "account has no session cookie")
	}

	pkce, err := GeneratePKCE()
	if err != nil {
		return wrapError(errOAuthExchange, "pkce", err)
	}

	// The web origin grants codes to logged-in sessions directly.
	authorizeBody, err := json.Marshal(map[string]any{
		"client_id":             o.cfg.oauthClientID,
		"response_type":         "code",
		"redirect_uri":          o.cfg.oauthRedirectURI,
		"scope":                 claudeOAuthScopes,
		"code_challenge":        pkce.Challenge,
		"code_challenge_method": "S256",
		"state":                 pkce.Verifier,
		"organization_uuid":     org,
	})
	if err != nil {
		return err
	}
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	resp, err := o.client.do(ctx, upstreamRequest{
		method:  http.MethodPost,
		url:     strings.TrimRight(o.cfg.claudeWebBase, "/") + "/api/oauth/authorize",
		headers: headers,
		cookie:  "sessionKey=" + cookie,
		body:    authorizeBody,
		web:     true,
	})
	if err != nil {
		return wrapError(errOAuthExchange, "headless authorize", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return perrorf(errOAuthExchange, "headless authorize: %s: %s", resp.Status, safeText(respBody))
	}

	var grant struct {
		RedirectURI string `json:"redirect_uri"`
		Code        string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return wrapError(errOAuthExchange, "decode authorize response", err)
	}
	code := grant.Code
	if code == "" && grant.RedirectURI != "" {
		if u, perr := url.Parse(grant.RedirectURI); perr == nil {
			code = u.Query().Get("code")
		}
	}
	if code == "" {
		return perror(errOAuthExchange, "authorize response carries no code")
	}

	_, err = o.ExchangeFromCode(ctx, org, code, pkce.Verifier, nil)
	return err
}

// NeedsRefresh reports whether the bundle is within the expiry skew.
func (o *oauthAuthenticator) NeedsRefresh(acc *Account, now time.Time) bool {
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.OAuth != nil && acc.OAuth.RefreshToken != "" && acc.OAuth.expired(now)
}

// Refresh replaces the token bundle via the refresh grant. Concurrent
// callers for the same account share one network call; a failure marks
// the bundle invalid so the selector demotes the account to web.
func (o *oauthAuthenticator) Refresh(ctx context.Context, acc *Account) error {
	_, err, _ := o.refreshGroup.Do(acc.OrganizationUUID, func() (any, error) {
		acc.mu.Lock()
		if acc.OAuth == nil || acc.OAuth.RefreshToken == "" {
			acc.mu.Unlock()
			return nil, perror(errOAuthRefresh, "no refresh token")
		}
		if !acc.OAuth.expired(time.Now()) {
			// Another caller already refreshed while we queued.
			acc.mu.Unlock()
			return nil, nil
		}
		refreshToken := acc.OAuth.RefreshToken
		acc.mu.Unlock()

		tokens, err := o.postToken(ctx, map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": refreshToken,
			"client_id":     o.cfg.oauthClientID,
		})
		now := time.Now()
		acc.mu.Lock()
		if err != nil {
			if acc.OAuth != nil {
				acc.OAuth.Invalid = true
			}
			acc.UpdatedAt = now.UTC()
			acc.mu.Unlock()
			o.store.scheduleSave()
			return nil, wrapError(errOAuthRefresh, "refresh grant", err)
		}
		bundle := tokens.bundle(now)
		if bundle.RefreshToken == "" {
			bundle.RefreshToken = refreshToken
		}
		acc.OAuth = bundle
		acc.UpdatedAt = now.UTC()
		acc.mu.Unlock()
		o.store.scheduleSave()
		if o.cfg.debug {
			log.Printf("refreshed oauth tokens for account %s", acc.OrganizationUUID)
		}
		return nil, nil
	})
	return err
}
