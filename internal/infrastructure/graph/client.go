// Package graph implements the domain.Directory port against the
// Microsoft Graph v1.0 REST API, authenticating with the OAuth2
// client-credentials flow.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"vn.io.arda/dirsync/internal/domain"
)

const (
	defaultBaseURL = "https://graph.microsoft.com/v1.0"
	graphScope     = "https://graph.microsoft.com/.default"
)

// Config holds the three required Graph credentials plus tuning knobs.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// Timeout bounds each Graph call. Defaults to 30s.
	Timeout time.Duration
	// RequestsPerSecond throttles Graph traffic below the service
	// limits. Defaults to 10.
	RequestsPerSecond float64
}

// Client calls Microsoft Graph. Tokens are acquired lazily by the
// oauth2 transport and refreshed when they expire, so a Client handle
// is valid for the whole process lifetime without holding mutable
// token state of its own.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter

	// Service principal object ids are immutable per appID, cache them
	// across runs.
	mu      sync.RWMutex
	spCache map[string]string
}

// New creates a Client using the client-credentials flow against the
// tenant's token endpoint.
func New(cfg Config) (*Client, error) {
	if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, domain.NewOpError(domain.KindConfig, "graph.New",
			fmt.Errorf("tenant id, client id and client secret are all required"))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID),
		Scopes:       []string{graphScope},
	}

	httpClient := cc.Client(context.Background())
	httpClient.Timeout = cfg.Timeout

	return &Client{
		httpClient: httpClient,
		baseURL:    defaultBaseURL,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		spCache:    make(map[string]string),
	}, nil
}

// NewWithHTTPClient builds a Client against an arbitrary endpoint with
// a pre-authenticated http.Client. Used by tests.
func NewWithHTTPClient(httpClient *http.Client, baseURL string) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		limiter:    rate.NewLimiter(rate.Inf, 1),
		spCache:    make(map[string]string),
	}
}

// ResolveServicePrincipal maps an application (client) id to the
// object id of its service principal. The mapping never changes, so it
// is cached for the lifetime of the client.
func (c *Client) ResolveServicePrincipal(ctx context.Context, appID string) (string, error) {
	c.mu.RLock()
	if id, ok := c.spCache[appID]; ok {
		c.mu.RUnlock()
		return id, nil
	}
	c.mu.RUnlock()

	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("appId eq '%s'", appID))
	u := c.baseURL + "/servicePrincipals?" + q.Encode()

	var page struct {
		Value []struct {
			ID          string `json:"id"`
			DisplayName string `json:"displayName"`
		} `json:"value"`
	}
	if err := c.get(ctx, "graph.ResolveServicePrincipal", u, &page); err != nil {
		return "", err
	}
	if len(page.Value) == 0 {
		return "", domain.NewOpError(domain.KindNotFound, "graph.ResolveServicePrincipal",
			fmt.Errorf("no service principal for appId %s", appID))
	}

	sp := page.Value[0]
	log.Debug().Str("app_id", appID).Str("sp_id", sp.ID).Str("name", sp.DisplayName).
		Msg("resolved service principal")

	c.mu.Lock()
	c.spCache[appID] = sp.ID
	c.mu.Unlock()
	return sp.ID, nil
}

// appRoleAssignment is the wire shape of a Graph appRoleAssignment.
type appRoleAssignment struct {
	ID                   string `json:"id"`
	AppRoleID            string `json:"appRoleId"`
	PrincipalID          string `json:"principalId"`
	PrincipalDisplayName string `json:"principalDisplayName"`
	PrincipalType        string `json:"principalType"`
	ResourceID           string `json:"resourceId"`
}

// ListAssignments returns every user and group assignment on the
// application's service principal, following @odata.nextLink
// pagination.
func (c *Client) ListAssignments(ctx context.Context, appID string) ([]domain.Assignment, error) {
	spID, err := c.ResolveServicePrincipal(ctx, appID)
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/servicePrincipals/%s/appRoleAssignedTo", c.baseURL, url.PathEscape(spID))

	var assignments []domain.Assignment
	for u != "" {
		var page struct {
			Value    []appRoleAssignment `json:"value"`
			NextLink string              `json:"@odata.nextLink"`
		}
		if err := c.get(ctx, "graph.ListAssignments", u, &page); err != nil {
			return nil, err
		}

		for _, raw := range page.Value {
			var kind domain.PrincipalKind
			switch raw.PrincipalType {
			case "User":
				kind = domain.KindUser
			case "Group":
				kind = domain.KindGroup
			default:
				// Service principal assignments are outside the sync scope.
				continue
			}
			assignments = append(assignments, domain.Assignment{
				ObjectID:  raw.ID,
				AppRoleID: raw.AppRoleID,
				Principal: domain.Principal{
					ID:          raw.PrincipalID,
					Kind:        kind,
					DisplayName: raw.PrincipalDisplayName,
				},
			})
		}
		u = page.NextLink
	}
	return assignments, nil
}

// Grant creates the assignment on the service principal. A duplicate
// grant surfaces as KindConflict.
func (c *Client) Grant(ctx context.Context, appID string, a domain.Assignment) error {
	spID, err := c.ResolveServicePrincipal(ctx, appID)
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]string{
		"principalId": a.Principal.ID,
		"resourceId":  spID,
		"appRoleId":   a.AppRoleID,
	})
	if err != nil {
		return fmt.Errorf("marshal grant body: %w", err)
	}

	u := fmt.Sprintf("%s/servicePrincipals/%s/appRoleAssignedTo", c.baseURL, url.PathEscape(spID))
	return c.mutate(ctx, "graph.Grant", http.MethodPost, u, body)
}

// Revoke deletes the assignment. Assignments coming from a live fetch
// carry the directory object id; for any other source the id is
// resolved by listing first. An absent target is KindNotFound.
func (c *Client) Revoke(ctx context.Context, appID string, a domain.Assignment) error {
	spID, err := c.ResolveServicePrincipal(ctx, appID)
	if err != nil {
		return err
	}

	objectID := a.ObjectID
	if objectID == "" {
		current, err := c.ListAssignments(ctx, appID)
		if err != nil {
			return err
		}
		for _, existing := range current {
			if existing.Key() == a.Key() {
				objectID = existing.ObjectID
				break
			}
		}
		if objectID == "" {
			return domain.NewOpError(domain.KindNotFound, "graph.Revoke",
				fmt.Errorf("no assignment of role %s to principal %s", a.AppRoleID, a.Principal.ID))
		}
	}

	u := fmt.Sprintf("%s/servicePrincipals/%s/appRoleAssignedTo/%s",
		c.baseURL, url.PathEscape(spID), url.PathEscape(objectID))
	return c.mutate(ctx, "graph.Revoke", http.MethodDelete, u, nil)
}

// ListGroupMembers returns the direct members of a directory group.
func (c *Client) ListGroupMembers(ctx context.Context, groupID string) ([]domain.Principal, error) {
	u := fmt.Sprintf("%s/groups/%s/members?$select=id,displayName,userPrincipalName",
		c.baseURL, url.PathEscape(groupID))

	var members []domain.Principal
	for u != "" {
		var page struct {
			Value []struct {
				Type              string `json:"@odata.type"`
				ID                string `json:"id"`
				DisplayName       string `json:"displayName"`
				UserPrincipalName string `json:"userPrincipalName"`
			} `json:"value"`
			NextLink string `json:"@odata.nextLink"`
		}
		if err := c.get(ctx, "graph.ListGroupMembers", u, &page); err != nil {
			return nil, err
		}
		for _, m := range page.Value {
			kind := domain.KindUser
			if m.Type == "#microsoft.graph.group" {
				kind = domain.KindGroup
			}
			members = append(members, domain.Principal{
				ID:          m.ID,
				Kind:        kind,
				DisplayName: m.DisplayName,
				Email:       m.UserPrincipalName,
			})
		}
		u = page.NextLink
	}
	return members, nil
}

// GetUser fetches a single user for display enrichment.
func (c *Client) GetUser(ctx context.Context, userID string) (domain.Principal, error) {
	u := fmt.Sprintf("%s/users/%s?$select=id,displayName,userPrincipalName",
		c.baseURL, url.PathEscape(userID))

	var raw struct {
		ID                string `json:"id"`
		DisplayName       string `json:"displayName"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := c.get(ctx, "graph.GetUser", u, &raw); err != nil {
		return domain.Principal{}, err
	}
	return domain.Principal{
		ID:          raw.ID,
		Kind:        domain.KindUser,
		DisplayName: raw.DisplayName,
		Email:       raw.UserPrincipalName,
	}, nil
}

// --- transport helpers ---

func (c *Client) get(ctx context.Context, op, u string, out any) error {
	resp, err := c.do(ctx, op, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.classify(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.NewOpError(domain.KindTransient, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) mutate(ctx context.Context, op, method, u string, body []byte) error {
	resp, err := c.do(ctx, op, method, u, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil
	}
	return c.classify(op, resp)
}

func (c *Client) do(ctx context.Context, op, method, u string, body []byte) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, domain.NewOpError(domain.KindTransient, op, err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, domain.NewOpError(domain.KindConfig, op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors and timeouts are retryable.
		return nil, domain.NewOpError(domain.KindTransient, op, err)
	}
	return resp, nil
}

// classify maps a non-success Graph response to the error taxonomy.
// The body is drained so the connection can be reused.
func (c *Client) classify(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := graphErrorMessage(body)
	err := fmt.Errorf("status %d: %s", resp.StatusCode, detail)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.NewOpError(domain.KindAuth, op, err)
	case resp.StatusCode == http.StatusNotFound:
		return domain.NewOpError(domain.KindNotFound, op, err)
	case resp.StatusCode == http.StatusConflict:
		return domain.NewOpError(domain.KindConflict, op, err)
	case resp.StatusCode == http.StatusBadRequest && strings.Contains(detail, "already exists"):
		// Graph reports a duplicate appRoleAssignment as 400 with
		// "Permission being assigned already exists on the object".
		return domain.NewOpError(domain.KindConflict, op, err)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return domain.NewOpError(domain.KindTransient, op, err)
	default:
		return domain.NewOpError(domain.KindConfig, op, err)
	}
}

func graphErrorMessage(body []byte) string {
	var ge struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &ge); err == nil && ge.Error.Message != "" {
		return ge.Error.Code + ": " + ge.Error.Message
	}
	return strings.TrimSpace(string(body))
}
