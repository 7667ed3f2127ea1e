package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/protocol"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"github.com/mbeoliero/chatsync/internal/chat"
	"github.com/mbeoliero/chatsync/internal/config"
	"github.com/mbeoliero/chatsync/pkg/errcode"
)

// Response is the store service's standard envelope.
type Response struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client talks to the conversation-store REST service. It implements
// chat.Store.
type Client struct {
	baseURL    string
	httpClient *client.Client
	token      string
}

// ClientOption is a function to configure the client
type ClientOption func(*Client)

// WithHertzClient sets a custom Hertz client
func WithHertzClient(httpClient *client.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithToken sets the authentication token
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// NewClient creates a store client.
func NewClient(cfg config.StoreConfig, opts ...ClientOption) (*Client, error) {
	httpClient, err := client.NewClient(
		client.WithDialTimeout(cfg.DialTimeout),
		client.WithClientReadTimeout(cfg.ReadTimeout),
		client.WithWriteTimeout(cfg.WriteTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http client: %w", err)
	}

	c := &Client{
		baseURL:    cfg.BaseURL,
		httpClient: httpClient,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// SetToken sets the authentication token
func (c *Client) SetToken(token string) {
	c.token = token
}

// request makes an HTTP request and decodes the enveloped response.
func (c *Client) request(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	req := &protocol.Request{}
	resp := &protocol.Response{}

	req.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.Set("Content-Type", "application/json")

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		req.SetBody(jsonBody)
	}

	if err := c.httpClient.Do(ctx, req, resp); err != nil {
		return errcode.ErrStoreUnavailable.Wrap(err)
	}

	if resp.StatusCode() == consts.StatusNotFound {
		return errcode.ErrNotFound
	}

	return DecodeEnvelope(resp.Body(), result)
}

// DecodeEnvelope unwraps the {code, msg, data} envelope into result. A
// non-zero code becomes a typed error; 404-class codes map to ErrNotFound
// so callers can treat them as no-ops.
func DecodeEnvelope(body []byte, result interface{}) error {
	var apiResp Response
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return errcode.ErrBadResponse.Wrap(err)
	}

	if apiResp.Code != 0 {
		if apiResp.Code == errcode.ErrNotFound.Code || apiResp.Code == errcode.ErrConvNotFound.Code ||
			apiResp.Code == errcode.ErrMessageNotFound.Code {
			return errcode.ErrNotFound
		}
		return errcode.New(apiResp.Code, apiResp.Msg)
	}

	if result != nil && len(apiResp.Data) > 0 {
		if err := json.Unmarshal(apiResp.Data, result); err != nil {
			return errcode.ErrBadResponse.Wrap(err)
		}
	}

	return nil
}

func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	return c.request(ctx, consts.MethodGet, path, nil, result)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, result interface{}) error {
	return c.request(ctx, consts.MethodPost, path, body, result)
}

func (c *Client) patch(ctx context.Context, path string, body interface{}, result interface{}) error {
	return c.request(ctx, consts.MethodPatch, path, body, result)
}

func (c *Client) delete(ctx context.Context, path string) error {
	return c.request(ctx, consts.MethodDelete, path, nil, nil)
}

// Conversations lists the viewer's conversations.
func (c *Client) Conversations(ctx context.Context) ([]chat.RawConversation, error) {
	var result []chat.RawConversation
	if err := c.get(ctx, "/conversations", &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Messages fetches a conversation's message history.
func (c *Client) Messages(ctx context.Context, conversationId string) ([]chat.RawMessage, error) {
	var result []chat.RawMessage
	path := "/conversations/" + url.PathEscape(conversationId) + "/messages"
	if err := c.get(ctx, path, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// CreateSupport creates or returns the viewer's support conversation.
func (c *Client) CreateSupport(ctx context.Context) (*chat.RawConversation, error) {
	var result chat.RawConversation
	if err := c.post(ctx, "/conversations/support", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// MarkRead marks a conversation read for the viewer.
func (c *Client) MarkRead(ctx context.Context, conversationId string) error {
	path := "/conversations/" + url.PathEscape(conversationId) + "/read"
	return c.patch(ctx, path, nil, nil)
}

// DeleteConversation deletes a conversation.
func (c *Client) DeleteConversation(ctx context.Context, conversationId string) error {
	return c.delete(ctx, "/conversations/"+url.PathEscape(conversationId))
}

// DeleteMessage deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, messageId string) error {
	return c.delete(ctx, "/messages/"+url.PathEscape(messageId))
}
