// Package source talks to the upstream dashboard service over its JSON API:
// session handling, dashboard exports, user group membership, and the
// catalog listings that seed the local snapshot tables.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"reportd/internal/pipeline"
)

// NamedRef is one catalog entry (dashboard or user group) as the upstream
// service lists it.
type NamedRef struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type Config struct {
	// Timeout bounds each HTTP request. 0 means 30s.
	Timeout time.Duration
}

// Client implements pipeline.ArtifactSource and pipeline.Directory against
// the upstream HTTP API. It is safe for concurrent use.
type Client struct {
	http *http.Client
	log  zerolog.Logger

	base  string
	creds pipeline.Credentials
}

func NewClient(cfg Config, baseAddress string, creds pipeline.Credentials, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http:  &http.Client{Timeout: timeout},
		log:   log,
		base:  strings.TrimRight(baseAddress, "/"),
		creds: creds,
	}
}

// Acquire validates the credentials and returns a fetch session. The probe
// hits /api/me so a bad password fails here, before any export work starts.
func (c *Client) Acquire(ctx context.Context, baseAddress string, creds pipeline.Credentials) (pipeline.Session, error) {
	base := strings.TrimRight(baseAddress, "/")
	if base == "" {
		base = c.base
	}
	if creds.Username == "" {
		creds = c.creds
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/me", nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(creds.Username, creds.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source login: unexpected status %s", resp.Status)
	}

	return &session{client: c, base: base, creds: creds}, nil
}

type session struct {
	client *Client
	base   string
	creds  pipeline.Credentials
}

// FetchAll exports each named dashboard as a PDF, preserving input order.
// One failing dashboard fails the whole fetch; partial artifact sets are a
// render-stage concern, not a fetch-stage one.
func (s *session) FetchAll(ctx context.Context, dashboardNames []string, opts pipeline.FetchOptions) ([]pipeline.Artifact, error) {
	artifacts := make([]pipeline.Artifact, 0, len(dashboardNames))
	for _, name := range dashboardNames {
		data, err := s.export(ctx, name, opts.SkipGraphs)
		if err != nil {
			return nil, fmt.Errorf("dashboard %q: %w", name, err)
		}
		artifacts = append(artifacts, pipeline.Artifact{Title: name, Data: data})
	}
	return artifacts, nil
}

func (s *session) export(ctx context.Context, name string, skipGraphs bool) ([]byte, error) {
	q := url.Values{"format": {"pdf"}}
	if skipGraphs {
		q.Set("graphs", "false")
	}
	u := s.base + "/api/dashboards/" + url.PathEscape(name) + "/export?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(s.creds.Username, s.creds.Password)

	resp, err := s.client.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// Release drops the session's idle connections. The API is stateless past
// authentication, so there is nothing to log out of.
func (s *session) Release() {
	s.client.http.CloseIdleConnections()
}

// ---- directory ----

// ResolveGroup returns the member IDs of a user group.
func (c *Client) ResolveGroup(ctx context.Context, groupID string) ([]string, error) {
	var out struct {
		Users []struct {
			ID string `json:"id"`
		} `json:"users"`
	}
	path := "/api/userGroups/" + url.PathEscape(groupID) + "?fields=users[id]"
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("user group %q: %w", groupID, err)
	}
	ids := make([]string, len(out.Users))
	for i, u := range out.Users {
		ids[i] = u.ID
	}
	return ids, nil
}

// ResolveUsers looks up each member's profile. Members without an email are
// returned as-is; the notifier filters them out.
func (c *Client) ResolveUsers(ctx context.Context, memberIDs []string) ([]pipeline.Member, error) {
	members := make([]pipeline.Member, 0, len(memberIDs))
	for _, id := range memberIDs {
		var out struct {
			ID          string `json:"id"`
			DisplayName string `json:"displayName"`
			Email       string `json:"email"`
		}
		path := "/api/users/" + url.PathEscape(id) + "?fields=id,displayName,email"
		if err := c.getJSON(ctx, path, &out); err != nil {
			return nil, fmt.Errorf("user %q: %w", id, err)
		}
		members = append(members, pipeline.Member{ID: out.ID, DisplayName: out.DisplayName, Email: out.Email})
	}
	return members, nil
}

// ---- catalog listings ----

func (c *Client) ListDashboards(ctx context.Context) ([]NamedRef, error) {
	var out struct {
		Dashboards []NamedRef `json:"dashboards"`
	}
	if err := c.getJSON(ctx, "/api/dashboards?fields=id,displayName", &out); err != nil {
		return nil, err
	}
	return out.Dashboards, nil
}

func (c *Client) ListUserGroups(ctx context.Context) ([]NamedRef, error) {
	var out struct {
		UserGroups []NamedRef `json:"userGroups"`
	}
	if err := c.getJSON(ctx, "/api/userGroups?fields=id,displayName", &out); err != nil {
		return nil, err
	}
	return out.UserGroups, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.creds.Username, c.creds.Password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
