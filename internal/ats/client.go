// Package ats talks to the Ceipal applicant tracking API.
package ats

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	httpx "cv-pipeline/pkg/http"

	"github.com/sirupsen/logrus"
)

const (
	defaultPageLimit = 20
	defaultMaxPages  = 100
	tokenLifetime    = time.Hour
	tokenSkew        = 20 * time.Second
)

type Options struct {
	BaseURL      string
	Email        string
	Password     string
	APIKey       string
	AccessToken  string
	RefreshToken string
	Timeout      time.Duration
}

type tokenState struct {
	access    string
	refresh   string
	expiresAt time.Time
}

type Client struct {
	baseURL  string
	email    string
	password string
	apiKey   string
	http     *httpx.Client
	log      *logrus.Entry

	PageLimit int
	MaxPages  int

	mu    sync.Mutex
	token tokenState
	now   func() time.Time
}

func NewClient(opts Options, log *logrus.Entry) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	c := &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		email:     opts.Email,
		password:  opts.Password,
		apiKey:    opts.APIKey,
		http:      httpx.NewClient(timeout),
		log:       log,
		PageLimit: defaultPageLimit,
		MaxPages:  defaultMaxPages,
		now:       time.Now,
	}
	// A seeded token skips the login round trip until it expires.
	if opts.AccessToken != "" {
		c.token = tokenState{
			access:    opts.AccessToken,
			refresh:   opts.RefreshToken,
			expiresAt: c.now().Add(tokenLifetime - tokenSkew),
		}
	}
	return c
}

type authResponse struct {
	AccessToken  string `xml:"access_token" json:"access_token"`
	RefreshToken string `xml:"refresh_token" json:"refresh_token"`
	ExpiresIn    int    `xml:"expires_in" json:"expires_in"`
}

// parseAuth accepts the XML body the auth endpoints return, or JSON.
func parseAuth(body []byte) (*authResponse, error) {
	var auth authResponse
	if err := xml.Unmarshal(body, &auth); err == nil && auth.AccessToken != "" {
		return &auth, nil
	}
	if err := json.Unmarshal(body, &auth); err == nil && auth.AccessToken != "" {
		return &auth, nil
	}
	return nil, fmt.Errorf("no access_token in auth response")
}

func (c *Client) setToken(auth *authResponse) {
	lifetime := tokenLifetime
	if auth.ExpiresIn > 0 {
		lifetime = time.Duration(auth.ExpiresIn) * time.Second
	}
	c.token = tokenState{
		access:    auth.AccessToken,
		refresh:   auth.RefreshToken,
		expiresAt: c.now().Add(lifetime - tokenSkew),
	}
}

func (c *Client) login(ctx context.Context) error {
	req, err := jsonRequest(ctx, http.MethodPost, c.baseURL+"/createAuthtoken", map[string]string{
		"email":    c.email,
		"password": c.password,
		"api_key":  c.apiKey,
	})
	if err != nil {
		return err
	}
	body, _, err := c.http.Send(req)
	if err != nil {
		return fmt.Errorf("ceipal login: %w", err)
	}
	auth, err := parseAuth(body)
	if err != nil {
		return fmt.Errorf("ceipal login: %w", err)
	}
	c.setToken(auth)
	return nil
}

// refresh falls back to a full login when there is no refresh token or
// the refresh call fails.
func (c *Client) refresh(ctx context.Context) error {
	if c.token.refresh == "" {
		return c.login(ctx)
	}
	req, err := jsonRequest(ctx, http.MethodPost, c.baseURL+"/refreshToken/", map[string]string{
		"refresh_token": c.token.refresh,
	})
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token.access)
	body, _, err := c.http.Send(req)
	if err != nil {
		c.log.WithError(err).Warn("token refresh failed, logging in again")
		return c.login(ctx)
	}
	auth, err := parseAuth(body)
	if err != nil {
		return c.login(ctx)
	}
	c.setToken(auth)
	return nil
}

// accessToken returns a valid token, refreshing under the lock so
// concurrent callers share one refresh.
func (c *Client) accessToken(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !force && c.token.access != "" && c.now().Before(c.token.expiresAt) {
		return c.token.access, nil
	}
	var err error
	if force || c.token.refresh != "" {
		err = c.refresh(ctx)
	} else {
		err = c.login(ctx)
	}
	if err != nil {
		return "", err
	}
	return c.token.access, nil
}

// get issues an authenticated GET, refreshing and retrying once on 401.
func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	token, err := c.accessToken(ctx, false)
	if err != nil {
		return nil, err
	}
	body, err := c.http.Get(ctx, rawURL, httpx.Bearer(token))
	if httpx.IsStatus(err, http.StatusUnauthorized) {
		if token, err = c.accessToken(ctx, true); err != nil {
			return nil, err
		}
		body, err = c.http.Get(ctx, rawURL, httpx.Bearer(token))
	}
	return body, err
}

func (c *Client) joinURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

type submissionPage struct {
	Count   int      `json:"count"`
	Next    string   `json:"next"`
	Results []Record `json:"results"`
}

// ListSubmissionsModifiedSince pages through the pipeline submissions of a
// job. An empty since fetches everything.
func (c *Client) ListSubmissionsModifiedSince(ctx context.Context, jobExternalID, since string) ([]Record, error) {
	q := url.Values{}
	q.Set("job_id", jobExternalID)
	q.Set("isPipeline", "1")
	q.Set("page", "1")
	q.Set("limit", strconv.Itoa(c.PageLimit))
	if since != "" {
		q.Set("modifiedAfter", since)
	}

	next := c.joinURL("/getSubmissionsList/?" + q.Encode())
	var all []Record
	for pages := 0; next != "" && pages < c.MaxPages; pages++ {
		body, err := c.get(ctx, next)
		if err != nil {
			return nil, fmt.Errorf("list submissions page %d: %w", pages+1, err)
		}
		var page submissionPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("decode submissions page %d: %w", pages+1, err)
		}
		all = append(all, page.Results...)
		next = page.Next
	}
	c.log.WithFields(logrus.Fields{"job": jobExternalID, "since": since, "count": len(all)}).Info("fetched submissions")
	return all, nil
}

// GetApplicantDetail returns the detail record, or nil when the ATS has
// none. Array, results and data wrappers are unwrapped.
func (c *Client) GetApplicantDetail(ctx context.Context, applicantExternalID string) (Record, error) {
	q := url.Values{}
	q.Set("id", applicantExternalID)
	body, err := c.get(ctx, c.joinURL("/getApplicantDetails/?"+q.Encode()))
	if err != nil {
		return nil, err
	}
	return normalizeDetail(body)
}

func normalizeDetail(body []byte) (Record, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode applicant details: %w", err)
	}
	first := func(items []any) Record {
		if len(items) == 0 {
			return nil
		}
		if m, ok := items[0].(map[string]any); ok {
			return Record(m)
		}
		return nil
	}
	switch v := raw.(type) {
	case []any:
		return first(v), nil
	case map[string]any:
		if items, ok := v["results"].([]any); ok {
			return first(items), nil
		}
		if items, ok := v["data"].([]any); ok {
			return first(items), nil
		}
		return Record(v), nil
	}
	return nil, nil
}

// DownloadResume fetches a resume with the ATS bearer token.
func (c *Client) DownloadResume(ctx context.Context, resumeURL string) ([]byte, error) {
	body, err := c.get(ctx, resumeURL)
	if err != nil {
		return nil, fmt.Errorf("download resume: %w", err)
	}
	if len(body) == 0 {
		return nil, errors.New("download resume: empty body")
	}
	return body, nil
}

func jsonRequest(ctx context.Context, method, rawURL string, payload any) (*http.Request, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, strings.NewReader(string(b)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
