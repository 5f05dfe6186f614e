// Package discordrest is the minimal Discord REST surface the schedulers
// and view handler consume: createMessage, pinMessage, createForumPost.
// Transport and header-filling is adapted from TheRockettek-Sandwich-
// Producer's client/client.go (bot-token Authorization header, JSON
// decoding via jsoniter); the single "Invalid token passed" check there is
// generalized here into the full status-code-to-error-kind mapping spec
// §6.2 names.
package discordrest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NotFoundError signals an invalid channel/message id.
type NotFoundError struct{ Detail string }

func (e *NotFoundError) Error() string { return "not found: " + e.Detail }

// ForbiddenError signals a missing permission. Terminal: never retried.
type ForbiddenError struct{ Detail string }

func (e *ForbiddenError) Error() string { return "forbidden: " + e.Detail }

// RateLimitedError signals a 429. Transient: retriable.
type RateLimitedError struct{ RetryAfterMs int }

func (e *RateLimitedError) Error() string { return fmt.Sprintf("rate limited, retry after %dms", e.RetryAfterMs) }

// InternalServerError signals a 5xx from Discord. Transient: retriable.
type InternalServerError struct{ StatusCode int }

func (e *InternalServerError) Error() string { return fmt.Sprintf("discord internal error: %d", e.StatusCode) }

// RateLimitTooLongError signals a rate limit whose wait exceeds what is
// worth retrying for. Terminal: never retried.
type RateLimitTooLongError struct{ RetryAfterMs int }

func (e *RateLimitTooLongError) Error() string {
	return fmt.Sprintf("rate limit too long to wait out: %dms", e.RetryAfterMs)
}

// MaxAcceptableRateLimitMs caps how long a rate limit wait is considered
// worth retrying rather than terminal.
const MaxAcceptableRateLimitMs = 30_000

// Component is a minimal action-row button, enough to carry the Get-Input /
// Submit-Solution buttons Challenge/Quest attach.
type Component struct {
	Type       int         `json:"type"`
	Components []Component `json:"components,omitempty"`
	Style      int         `json:"style,omitempty"`
	Label      string      `json:"label,omitempty"`
	CustomID   string      `json:"custom_id,omitempty"`
}

// Message is the subset of a Discord message payload the core cares about.
type Message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}

// Thread is the subset of a created forum post the core cares about.
type Thread struct {
	ID string `json:"id"`
}

// Client is the Discord REST transport.
type Client struct {
	Token      string
	HTTP       *http.Client
	APIVersion string
	URLHost    string
	URLScheme  string
	UserAgent  string
}

// NewClient mirrors TheRockettek-Sandwich-Producer's client.NewClient
// defaults (host discord.com over https), using API version 10.
func NewClient(token string) *Client {
	return &Client{
		Token:      token,
		HTTP:       http.DefaultClient,
		APIVersion: "10",
		URLHost:    "discord.com",
		URLScheme:  "https",
		UserAgent:  "smarterbot (https://github.com/smarter-dev/smarterbot, 1.0)",
	}
}

// CreateMessage posts content (optionally with components) to channelID.
// roleMentions controls whether role mentions in content are allowed to
// ping (the repeating-message scheduler relies on this being true so its
// pre-formatted role-mention prefix actually pings).
func (c *Client) CreateMessage(ctx context.Context, channelID, content string, components []Component, roleMentions bool) (*Message, error) {
	payload := map[string]interface{}{"content": content}
	if len(components) > 0 {
		payload["components"] = components
	}
	allowedMentions := map[string]interface{}{"parse": []string{"users"}}
	if roleMentions {
		allowedMentions["parse"] = []string{"users", "roles"}
	}
	payload["allowed_mentions"] = allowedMentions

	var msg Message
	if err := c.request(ctx, http.MethodPost, fmt.Sprintf("/channels/%s/messages", channelID), payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// PinMessage pins messageID within channelID.
func (c *Client) PinMessage(ctx context.Context, channelID, messageID string) error {
	return c.request(ctx, http.MethodPut, fmt.Sprintf("/channels/%s/pins/%s", channelID, messageID), nil, nil)
}

// CreateForumPost creates a new thread (with its starter message) in a
// forum channel.
func (c *Client) CreateForumPost(ctx context.Context, channelID, name, content string) (*Thread, error) {
	payload := map[string]interface{}{
		"name":    name,
		"message": map[string]interface{}{"content": content},
	}
	var thread Thread
	if err := c.request(ctx, http.MethodPost, fmt.Sprintf("/channels/%s/threads", channelID), payload, &thread); err != nil {
		return nil, err
	}
	return &thread, nil
}

// Interaction response types, per Discord's interaction callback API.
const (
	ResponseChannelMessageWithSource      = 4
	ResponseDeferredChannelMessageWithSource = 5
)

// Attachment is a file to upload alongside an interaction response or
// message, used by the rendered error/success/cooldown embeds the image
// generator produces.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// InteractionResponse mirrors Discord's interaction callback payload: either
// content or an attachment (or both), optionally ephemeral.
type InteractionResponse struct {
	Content    string
	Attachment *Attachment
	Ephemeral  bool
}

// CreateInteractionResponse answers a not-yet-acknowledged interaction
// (modal submit, button click) with either a deferred ack or a message.
func (c *Client) CreateInteractionResponse(ctx context.Context, interactionID, interactionToken string, responseType int, resp *InteractionResponse) error {
	payload := map[string]interface{}{"type": responseType}
	if resp != nil {
		data := map[string]interface{}{}
		if resp.Content != "" {
			data["content"] = resp.Content
		}
		if resp.Ephemeral {
			data["flags"] = 1 << 6 // EPHEMERAL
		}
		if len(data) > 0 {
			payload["data"] = data
		}
	}
	return c.requestMultipart(ctx, fmt.Sprintf("/interactions/%s/%s/callback", interactionID, interactionToken), payload, responseAttachment(resp))
}

// CreateFollowupMessage posts a new message in channelID as a reply to
// targetMessageID, used by the context-menu transfer path after a deferred
// response (the bot posts its own message rather than editing the deferred
// one, then deletes the deferred placeholder via DeleteOriginalResponse).
func (c *Client) CreateFollowupMessage(ctx context.Context, channelID string, resp *InteractionResponse, replyToMessageID string) (*Message, error) {
	payload := map[string]interface{}{}
	if resp != nil && resp.Content != "" {
		payload["content"] = resp.Content
	}
	if replyToMessageID != "" {
		payload["message_reference"] = map[string]interface{}{"message_id": replyToMessageID}
	}

	var msg Message
	var att *Attachment
	if resp != nil {
		att = resp.Attachment
	}
	if err := c.requestMultipartInto(ctx, fmt.Sprintf("/channels/%s/messages", channelID), payload, att, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteOriginalResponse deletes the "@original" interaction response
// (the deferred placeholder in the context-menu reply path).
func (c *Client) DeleteOriginalResponse(ctx context.Context, interactionToken, applicationID string) error {
	return c.request(ctx, http.MethodDelete, fmt.Sprintf("/webhooks/%s/%s/messages/@original", applicationID, interactionToken), nil, nil)
}

func responseAttachment(resp *InteractionResponse) *Attachment {
	if resp == nil {
		return nil
	}
	return resp.Attachment
}

// requestMultipart issues an interaction callback, using a plain JSON body
// when there is no attachment (the common case) since Discord only requires
// multipart when a file is present.
func (c *Client) requestMultipart(ctx context.Context, path string, jsonPayload map[string]interface{}, att *Attachment) error {
	if att == nil {
		return c.request(ctx, http.MethodPost, path, jsonPayload, nil)
	}
	return c.requestMultipartInto(ctx, path, jsonPayload, att, nil)
}

// requestMultipartInto posts a multipart/form-data body containing both the
// JSON payload (as "payload_json") and a single file attachment, decoding
// the response into out when non-nil.
func (c *Client) requestMultipartInto(ctx context.Context, path string, jsonPayload map[string]interface{}, att *Attachment, out interface{}) error {
	if att == nil {
		return c.request(ctx, http.MethodPost, path, jsonPayload, out)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	payloadBytes, err := json.Marshal(jsonPayload)
	if err != nil {
		return err
	}
	if err := writer.WriteField("payload_json", string(payloadBytes)); err != nil {
		return err
	}

	part, err := writer.CreateFormFile("files[0]", att.Filename)
	if err != nil {
		return err
	}
	if _, err := part.Write(att.Data); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URLScheme+"://"+c.URLHost+"/api/v"+c.APIVersion+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+c.Token)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("User-Agent", c.UserAgent)

	res, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(res.Body)
	switch {
	case res.StatusCode == http.StatusNotFound:
		return &NotFoundError{Detail: string(raw)}
	case res.StatusCode == http.StatusForbidden:
		return &ForbiddenError{Detail: string(raw)}
	case res.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfterMs(raw)
		if retryAfter > MaxAcceptableRateLimitMs {
			return &RateLimitTooLongError{RetryAfterMs: retryAfter}
		}
		return &RateLimitedError{RetryAfterMs: retryAfter}
	case res.StatusCode >= 500:
		return &InternalServerError{StatusCode: res.StatusCode}
	case res.StatusCode >= 400:
		return fmt.Errorf("discord api error %d: %s", res.StatusCode, string(raw))
	}

	if out != nil && len(raw) > 0 {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URLScheme+"://"+c.URLHost+"/api/v"+c.APIVersion+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+c.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.UserAgent)

	res, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(res.Body)

	switch {
	case res.StatusCode == http.StatusNotFound:
		return &NotFoundError{Detail: string(raw)}
	case res.StatusCode == http.StatusForbidden:
		return &ForbiddenError{Detail: string(raw)}
	case res.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfterMs(raw)
		if retryAfter > MaxAcceptableRateLimitMs {
			return &RateLimitTooLongError{RetryAfterMs: retryAfter}
		}
		return &RateLimitedError{RetryAfterMs: retryAfter}
	case res.StatusCode >= 500:
		return &InternalServerError{StatusCode: res.StatusCode}
	case res.StatusCode >= 400:
		return fmt.Errorf("discord api error %d: %s", res.StatusCode, string(raw))
	}

	if out != nil && len(raw) > 0 {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func parseRetryAfterMs(raw []byte) int {
	var body struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return 1000
	}
	return int(body.RetryAfter * 1000)
}

// IsTerminal reports whether err should never be retried, per spec §4.7
// ("ForbiddenError is terminal, RateLimitTooLong is terminal").
func IsTerminal(err error) bool {
	switch err.(type) {
	case *NotFoundError, *ForbiddenError, *RateLimitTooLongError:
		return true
	default:
		return false
	}
}
