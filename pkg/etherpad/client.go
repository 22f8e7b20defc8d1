// Package etherpad is a thin client over an Etherpad Lite HTTP API,
// used by the collaborative-document module to create pads/groups,
// mint per-participant sessions, and export PDFs (spec.md §4.9/§6).
package etherpad

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client talks to one Etherpad Lite deployment.
type Client struct {
	baseURL string
	apiKey  string
	http    *retryablehttp.Client
}

// New builds a client bound to a base URL and API key. timeout bounds every
// request; the underlying retryablehttp.Client retries transient failures
// with backoff (grounded in the teacher's outbound-HTTP pattern).
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil
	return &Client{baseURL: baseURL, apiKey: apiKey, http: rc}
}

type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) call(ctx context.Context, path string, params url.Values, out any) error {
	params.Set("apikey", c.apiKey)
	reqURL := fmt.Sprintf("%s/api/1.2.15/%s?%s", c.baseURL, path, params.Encode())

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("etherpad: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("etherpad: %s: %w", path, err)
	}
	defer resp.Body.Close()

	var ar apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return fmt.Errorf("etherpad: decode %s response: %w", path, err)
	}
	if ar.Code != 0 {
		return fmt.Errorf("etherpad: %s failed: %s", path, ar.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(ar.Data, out)
}

// CreateGroup creates a new pad group, used to scope a room's pad sessions.
func (c *Client) CreateGroup(ctx context.Context) (groupID string, err error) {
	var data struct {
		GroupID string `json:"groupID"`
	}
	if err := c.call(ctx, "createGroup", url.Values{}, &data); err != nil {
		return "", err
	}
	return data.GroupID, nil
}

// CreateGroupPad creates the single pad belonging to a group.
func (c *Client) CreateGroupPad(ctx context.Context, groupID, padName string) (padID string, err error) {
	var data struct {
		PadID string `json:"padID"`
	}
	params := url.Values{"groupID": {groupID}, "padName": {padName}}
	if err := c.call(ctx, "createGroupPad", params, &data); err != nil {
		return "", err
	}
	return data.PadID, nil
}

// CreateAuthorIfNotExistsFor maps a participant id onto a stable Etherpad
// author id so return visits reuse the same author identity.
func (c *Client) CreateAuthorIfNotExistsFor(ctx context.Context, participantID, displayName string) (authorID string, err error) {
	var data struct {
		AuthorID string `json:"authorID"`
	}
	params := url.Values{"authorMapper": {participantID}, "name": {displayName}}
	if err := c.call(ctx, "createAuthorIfNotExistsFor", params, &data); err != nil {
		return "", err
	}
	return data.AuthorID, nil
}

const sessionLifetime = 24 * time.Hour

func (c *Client) createGroupSession(ctx context.Context, groupID, authorID string, validUntil int64) (sessionID string, err error) {
	var data struct {
		SessionID string `json:"sessionID"`
	}
	params := url.Values{
		"groupID":    {groupID},
		"authorID":   {authorID},
		"validUntil": {fmt.Sprintf("%d", validUntil)},
	}
	if err := c.call(ctx, "createSession", params, &data); err != nil {
		return "", err
	}
	return data.SessionID, nil
}

// DeleteSession revokes an Etherpad session. It is not part of
// protocol.PadClient and nothing in this repository calls it: deselect_writer
// issues a read URL but does not revoke the participant's earlier write session.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.call(ctx, "deleteSession", url.Values{"sessionID": {sessionID}}, nil)
}

// GetHTML exports a pad's current content as HTML, the intermediate form
// the module's PDF export pipeline consumes.
func (c *Client) GetHTML(ctx context.Context, padID string) (html string, err error) {
	var data struct {
		HTML string `json:"html"`
	}
	if err := c.call(ctx, "getHTML", url.Values{"padID": {padID}}, &data); err != nil {
		return "", err
	}
	return data.HTML, nil
}

// CreatePad provisions a fresh group and its one pad for a room, satisfying
// protocol.PadClient.
func (c *Client) CreatePad(ctx context.Context, roomID string) (groupID, padID string, err error) {
	groupID, err = c.CreateGroup(ctx)
	if err != nil {
		return "", "", err
	}
	padID, err = c.CreateGroupPad(ctx, groupID, roomID)
	if err != nil {
		return "", "", err
	}
	return groupID, padID, nil
}

// CreateSession maps userID onto a stable author and mints a group session
// for it, satisfying protocol.PadClient.
func (c *Client) CreateSession(ctx context.Context, groupID, userID string) (sessionID string, err error) {
	authorID, err := c.CreateAuthorIfNotExistsFor(ctx, userID, userID)
	if err != nil {
		return "", err
	}
	validUntil := time.Now().Add(sessionLifetime).Unix()
	return c.createGroupSession(ctx, groupID, authorID, validUntil)
}

// ExportPDF satisfies protocol.PadClient; Etherpad Lite has no native PDF
// export, so this exposes the pad's HTML for a downstream renderer.
func (c *Client) ExportPDF(ctx context.Context, padID string) (io.Reader, error) {
	html, err := c.GetHTML(ctx, padID)
	if err != nil {
		return nil, err
	}
	return strings.NewReader(html), nil
}
