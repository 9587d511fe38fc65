// Package auth implements the OAuth PKCE flow and credential storage used
// to authenticate the Claude-backed AgentRuntime adapter without a static
// API key, plus a generic OpenAI-compatible flow for the fallback runtime.
package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// AuthCredential is a stored OAuth credential for one provider.
type AuthCredential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Provider     string    `json:"provider"`
	AuthMethod   string    `json:"auth_method"`
	AccountID    string    `json:"account_id,omitempty"`
}

// OAuthProviderConfig parameterizes the PKCE flow for one OAuth provider.
type OAuthProviderConfig struct {
	Issuer           string
	AuthorizeBaseURL string // overrides Issuer for the /oauth/authorize step
	TokenEndpoint    string // path appended to Issuer; defaults to /oauth/token
	ClientID         string
	Scopes           string
	Originator       string
	Port             int
	Provider         string
}

func (c OAuthProviderConfig) tokenEndpointURL() string {
	ep := c.TokenEndpoint
	if ep == "" {
		ep = "/oauth/token"
	}
	return strings.TrimRight(c.Issuer, "/") + ep
}

// PKCECodes holds the verifier/challenge pair for one authorize attempt.
type PKCECodes struct {
	CodeVerifier  string
	CodeChallenge string
}

// GeneratePKCE produces a fresh S256 PKCE pair.
func GeneratePKCE() (PKCECodes, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return PKCECodes{}, fmt.Errorf("generating code verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])
	return PKCECodes{CodeVerifier: verifier, CodeChallenge: challenge}, nil
}

// OpenAIOAuthConfig returns the provider config for OpenAI's device/PKCE flow.
func OpenAIOAuthConfig() OAuthProviderConfig {
	return OAuthProviderConfig{
		Issuer:     "https://auth.openai.com",
		ClientID:   "app_EMoamEEZ73f0CkXaXp7hrann",
		Scopes:     "openid profile email offline_access",
		Originator: "codex_cli_rs",
		Port:       1455,
		Provider:   "openai",
	}
}

// AnthropicOAuthConfig returns the provider config for Claude's PKCE flow.
func AnthropicOAuthConfig() OAuthProviderConfig {
	return OAuthProviderConfig{
		Issuer:           "https://console.anthropic.com",
		AuthorizeBaseURL: "https://claude.ai",
		TokenEndpoint:    "/v1/oauth/token",
		ClientID:         "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
		Scopes:           "org:create_api_key user:profile user:inference",
		Port:             8080,
		Provider:         "anthropic",
	}
}

// BuildAuthorizeURL renders the browser-facing authorize URL for one
// attempt. Provider-specific extra parameters (OpenAI's organization/
// simplified-flow flags) are only added for provider "openai".
func BuildAuthorizeURL(cfg OAuthProviderConfig, pkce PKCECodes, state, redirectURI string) string {
	base := cfg.Issuer
	if cfg.AuthorizeBaseURL != "" {
		base = cfg.AuthorizeBaseURL
	}

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", cfg.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", cfg.Scopes)
	q.Set("code_challenge", pkce.CodeChallenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", state)

	if cfg.Provider == "openai" {
		q.Set("id_token_add_organizations", "true")
		q.Set("codex_cli_simplified_flow", "true")
		if cfg.Originator != "" {
			q.Set("originator", cfg.Originator)
		}
	}

	return strings.TrimRight(base, "/") + "/oauth/authorize?" + q.Encode()
}

func parseTokenResponse(body []byte, provider string) (*AuthCredential, error) {
	var raw struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		IDToken      string `json:"id_token"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing token response: %w", err)
	}
	if raw.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	cred := &AuthCredential{
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
		Provider:     provider,
		AuthMethod:   "oauth",
		ExpiresAt:    time.Now().Add(time.Duration(raw.ExpiresIn) * time.Second),
	}

	if id := accountIDFromJWT(raw.IDToken); id != "" {
		cred.AccountID = id
	} else if id := accountIDFromJWT(raw.AccessToken); id != "" {
		cred.AccountID = id
	}

	return cred, nil
}

// accountIDFromJWT extracts OpenAI's chatgpt_account_id claim from an
// unverified JWT payload. Returns "" if token isn't a JWT or lacks the claim.
func accountIDFromJWT(token string) string {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims struct {
		OpenAIAuth struct {
			ChatGPTAccountID string `json:"chatgpt_account_id"`
		} `json:"https://api.openai.com/auth"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ""
	}
	return claims.OpenAIAuth.ChatGPTAccountID
}

func exchangeCodeForTokens(cfg OAuthProviderConfig, code, verifier, redirectURI string) (*AuthCredential, error) {
	resp, err := postTokenRequest(cfg, map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"redirect_uri":  redirectURI,
		"client_id":     cfg.ClientID,
		"code_verifier": verifier,
	})
	if err != nil {
		return nil, fmt.Errorf("exchanging code for tokens: %w", err)
	}
	return parseTokenResponse(resp, cfg.Provider)
}

// RunLoginFlow drives one full browser-based PKCE login attempt for cfg:
// it starts a local callback listener on cfg.Port, prints the authorize
// URL via printURL, waits for the redirect carrying ?code=&state=, and
// exchanges it for a credential. The caller is responsible for
// persisting the result via SetCredential.
func RunLoginFlow(ctx context.Context, cfg OAuthProviderConfig, printURL func(url string)) (*AuthCredential, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}

	state := base64.RawURLEncoding.EncodeToString(randomBytes(16))
	redirectURI := fmt.Sprintf("http://localhost:%d/callback", cfg.Port)

	type result struct {
		code string
		err  error
	}
	resultCh := make(chan result, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			resultCh <- result{err: fmt.Errorf("oauth callback: state mismatch")}
			return
		}
		if errMsg := q.Get("error"); errMsg != "" {
			http.Error(w, errMsg, http.StatusBadRequest)
			resultCh <- result{err: fmt.Errorf("oauth callback: provider returned error %q", errMsg)}
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			resultCh <- result{err: fmt.Errorf("oauth callback: missing code")}
			return
		}
		fmt.Fprintln(w, "Login complete, you can close this tab.")
		resultCh <- result{code: code}
	})

	srv := &http.Server{Addr: fmt.Sprintf("localhost:%d", cfg.Port), Handler: mux}
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, fmt.Errorf("starting oauth callback listener: %w", err)
	}
	go srv.Serve(ln)
	defer srv.Close()

	printURL(BuildAuthorizeURL(cfg, pkce, state, redirectURI))

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return exchangeCodeForTokens(cfg, res.code, pkce.CodeVerifier, redirectURI)
	}
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

// RefreshAccessToken exchanges a stored refresh token for a new access
// token, preserving the refresh token if the provider doesn't rotate it.
func RefreshAccessToken(cred *AuthCredential, cfg OAuthProviderConfig) (*AuthCredential, error) {
	if cred.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token available for provider %q", cred.Provider)
	}

	provider := cfg.Provider
	if provider == "" {
		provider = cred.Provider
	}

	resp, err := postTokenRequest(cfg, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": cred.RefreshToken,
		"client_id":     cfg.ClientID,
	})
	if err != nil {
		return nil, fmt.Errorf("refreshing access token: %w", err)
	}

	refreshed, err := parseTokenResponse(resp, provider)
	if err != nil {
		return nil, err
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = cred.RefreshToken
	}
	return refreshed, nil
}

// postTokenRequest posts to the provider's token endpoint. Anthropic's
// token endpoint expects a JSON body; every other provider we speak to
// (OpenAI included) expects classic form-urlencoded.
func postTokenRequest(cfg OAuthProviderConfig, fields map[string]string) ([]byte, error) {
	endpoint := cfg.tokenEndpointURL()

	var resp *http.Response
	var err error

	if cfg.Provider == "anthropic" {
		body, marshalErr := json.Marshal(fields)
		if marshalErr != nil {
			return nil, fmt.Errorf("encoding token request: %w", marshalErr)
		}
		req, reqErr := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
		if reqErr != nil {
			return nil, fmt.Errorf("building token request: %w", reqErr)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err = http.DefaultClient.Do(req)
	} else {
		form := url.Values{}
		for k, v := range fields {
			form.Set(k, v)
		}
		resp, err = http.PostForm(endpoint, form)
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// DeviceCodeResponse is the result of starting a device-code grant.
type DeviceCodeResponse struct {
	DeviceAuthID string
	UserCode     string
	Interval     int
}

// parseDeviceCodeResponse tolerates providers that encode "interval" as
// either a JSON number or a numeric string.
func parseDeviceCodeResponse(body []byte) (*DeviceCodeResponse, error) {
	var raw struct {
		DeviceAuthID string          `json:"device_auth_id"`
		UserCode     string          `json:"user_code"`
		Interval     json.RawMessage `json:"interval"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing device code response: %w", err)
	}

	resp := &DeviceCodeResponse{DeviceAuthID: raw.DeviceAuthID, UserCode: raw.UserCode}

	var asInt int
	if err := json.Unmarshal(raw.Interval, &asInt); err == nil {
		resp.Interval = asInt
		return resp, nil
	}

	var asStr string
	if err := json.Unmarshal(raw.Interval, &asStr); err != nil {
		return nil, fmt.Errorf("parsing interval: %w", err)
	}
	n, err := strconv.Atoi(asStr)
	if err != nil {
		return nil, fmt.Errorf("parsing interval %q: %w", asStr, err)
	}
	resp.Interval = n
	return resp, nil
}
