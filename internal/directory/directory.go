// Package directory talks to the REST API for user profiles and message
// history.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"palaver/internal/models"
)

const DefaultTimeout = 10 * time.Second

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: DefaultTimeout},
	}
}

// LookupUser fetches the profile of userID. A 404 is reported as
// models.ErrNotFound.
func (c *Client) LookupUser(ctx context.Context, userID string) (models.Profile, error) {
	var p models.Profile
	if err := c.get(ctx, "/api/users/"+url.PathEscape(userID), &p); err != nil {
		return models.Profile{}, fmt.Errorf("lookup user %s: %w", userID, err)
	}
	if p.ID == "" {
		p.ID = userID
	}
	return p, nil
}

// Messages fetches the latest page of a conversation, oldest first.
func (c *Client) Messages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var page []models.Message
	if err := c.get(ctx, path, &page); err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", conversationID, err)
	}
	return page, nil
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("token", c.Token)
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call API: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return models.ErrNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
