package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// TokenSource supplies the bearer token and platform admin URL used
// for southbound requests. The adapter only
// depends on this interface, never on a specific identity service, so
// it can be driven by a fake in tests.
type TokenSource interface {
	Token(ctx context.Context) (token string, platformURL string, err error)
	Invalidate()
}

// KeystoneTokenSource implements TokenSource against a Keystone-style
// v3 identity endpoint: POST /v3/auth/tokens with a password/project
// scoped body, token returned in the X-Subject-Token response header,
// admin URL for the "platform" service extracted from the catalog.
type KeystoneTokenSource struct {
	AuthURL  string
	Username string
	Password string
	Project  string
	Domain   string
	HTTP     *http.Client

	mu          sync.Mutex
	cachedToken string
	cachedURL   string
}

type keystoneAuthRequest struct {
	Auth struct {
		Identity struct {
			Methods  []string `json:"methods"`
			Password struct {
				User struct {
					Name     string `json:"name"`
					Domain   struct{ Name string `json:"name"` } `json:"domain"`
					Password string `json:"password"`
				} `json:"user"`
			} `json:"password"`
		} `json:"identity"`
		Scope struct {
			Project struct {
				Name   string `json:"name"`
				Domain struct{ Name string `json:"name"` } `json:"domain"`
			} `json:"project"`
		} `json:"scope"`
	} `json:"auth"`
}

type keystoneCatalogEntry struct {
	Type      string `json:"type"`
	Endpoints []struct {
		Interface string `json:"interface"`
		URL       string `json:"url"`
	} `json:"endpoints"`
}

type keystoneAuthResponse struct {
	Token struct {
		Catalog []keystoneCatalogEntry `json:"catalog"`
	} `json:"token"`
}

// Token returns a cached token if present, otherwise authenticates.
func (k *KeystoneTokenSource) Token(ctx context.Context) (string, string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cachedToken != "" {
		return k.cachedToken, k.cachedURL, nil
	}

	var body keystoneAuthRequest
	body.Auth.Identity.Methods = []string{"password"}
	body.Auth.Identity.Password.User.Name = k.Username
	body.Auth.Identity.Password.User.Domain.Name = k.Domain
	body.Auth.Identity.Password.User.Password = k.Password
	body.Auth.Scope.Project.Name = k.Project
	body.Auth.Scope.Project.Domain.Name = k.Domain

	payload, err := json.Marshal(body)
	if err != nil {
		return "", "", fmt.Errorf("token: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(k.AuthURL, "/")+"/v3/auth/tokens", strings.NewReader(string(payload)))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")

	client := k.HTTP
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("token: auth request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", "", fmt.Errorf("token: auth failed: status %d", resp.StatusCode)
	}

	var parsed keystoneAuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", "", fmt.Errorf("token: decode response: %w", err)
	}

	token := resp.Header.Get("X-Subject-Token")
	if token == "" {
		return "", "", fmt.Errorf("token: no X-Subject-Token header")
	}

	var platformURL string
	for _, entry := range parsed.Token.Catalog {
		if entry.Type != "platform" {
			continue
		}
		for _, ep := range entry.Endpoints {
			if ep.Interface == "admin" {
				platformURL = ep.URL
			}
		}
	}
	if platformURL == "" {
		return "", "", fmt.Errorf("token: no platform admin endpoint in catalog")
	}

	k.cachedToken = token
	k.cachedURL = platformURL
	return token, platformURL, nil
}

// Invalidate drops the cached token, forcing the next Token call to
// re-authenticate.
func (k *KeystoneTokenSource) Invalidate() {
	k.mu.Lock()
	k.cachedToken = ""
	k.mu.Unlock()
}
