// Package imclient is a narrow Feishu/Lark REST client: tenant-access-token
// caching, text/card send and reply, and image upload. It speaks only the
// endpoints this gateway actually calls.
package imclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"
)

const (
	defaultBaseURL   = "https://open.feishu.cn"
	tokenEndpoint    = "/open-apis/auth/v3/tenant_access_token/internal"
	tokenRefreshSkew = 5 * time.Minute
	messagesPath     = "/open-apis/im/v1/messages"
	imagesPath       = "/open-apis/im/v1/images"
)

// Client is a tenant-access-token-caching Feishu/Lark REST client.
type Client struct {
	baseURL    string
	appID      string
	appSecret  string
	httpClient *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// New builds a Client for the given app credentials. baseURL defaults to
// Feishu's public endpoint; pass a non-empty override for Lark's
// international domain or a test server.
func New(appID, appSecret, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		appID:      appID,
		appSecret:  appSecret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type apiResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// accessToken returns a cached tenant access token, refreshing it 5 minutes
// before expiry under a mutex — the IM tenant token is shared mutable
// state across every send/reply/card call this client makes.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("imclient: token request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("imclient: token decode: %w", err)
	}
	if result.Code != 0 {
		return "", fmt.Errorf("imclient: token error: code=%d msg=%s", result.Code, result.Msg)
	}

	c.token = result.TenantAccessToken
	c.tokenExp = time.Now().Add(time.Duration(result.Expire)*time.Second - tokenRefreshSkew)
	return c.token, nil
}

func (c *Client) clearToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExp = time.Time{}
	c.mu.Unlock()
}

func isTokenError(code int) bool {
	return code == 99991663 || code == 99991664 || code == 99991671
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any) (*apiResponse, error) {
	resp, err := c.doJSONOnce(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if isTokenError(resp.Code) {
		c.clearToken()
		return c.doJSONOnce(ctx, method, path, body)
	}
	return resp, nil
}

func (c *Client) doJSONOnce(ctx context.Context, method, path string, body any) (*apiResponse, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("imclient: marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("imclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var result apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("imclient: decode %s: %w", path, err)
	}
	return &result, nil
}

func (c *Client) doMultipart(ctx context.Context, path string, fields map[string]string, fileField string, fileData io.Reader, fileName string) (*apiResponse, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for k, v := range fields {
		_ = writer.WriteField(k, v)
	}
	if fileField != "" && fileData != nil {
		if fileName == "" {
			fileName = "upload"
		}
		part, err := writer.CreateFormFile(fileField, fileName)
		if err != nil {
			return nil, fmt.Errorf("imclient: create form file: %w", err)
		}
		if _, err := io.Copy(part, fileData); err != nil {
			return nil, fmt.Errorf("imclient: copy file data: %w", err)
		}
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("imclient: upload %s: %w", path, err)
	}
	defer resp.Body.Close()

	var result apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("imclient: upload decode: %w", err)
	}
	return &result, nil
}

// SendMessageResp carries the identifier the session store anchors the
// next threaded reply to.
type SendMessageResp struct {
	MessageID string `json:"message_id"`
}

// SendText sends a plain text message to chatID.
func (c *Client) SendText(ctx context.Context, chatID, text string) (*SendMessageResp, error) {
	content, _ := json.Marshal(map[string]string{"text": text})
	return c.send(ctx, chatID, "text", string(content))
}

// SendCard sends an interactive card message built from cardJSON (the
// serialized output of internal/gateway/card).
func (c *Client) SendCard(ctx context.Context, chatID, cardJSON string) (*SendMessageResp, error) {
	return c.send(ctx, chatID, "interactive", cardJSON)
}

func (c *Client) send(ctx context.Context, chatID, msgType, content string) (*SendMessageResp, error) {
	path := messagesPath + "?receive_id_type=chat_id"
	body := map[string]string{
		"receive_id": chatID,
		"msg_type":   msgType,
		"content":    content,
	}
	resp, err := c.doJSON(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("imclient: send: code=%d msg=%s", resp.Code, resp.Msg)
	}
	var data SendMessageResp
	_ = json.Unmarshal(resp.Data, &data)
	return &data, nil
}

// Reply sends text as a threaded reply to parentMessageID.
func (c *Client) Reply(ctx context.Context, parentMessageID, text string) (*SendMessageResp, error) {
	content, _ := json.Marshal(map[string]string{"text": text})
	path := fmt.Sprintf("%s/%s/reply", messagesPath, parentMessageID)
	body := map[string]string{"content": string(content), "msg_type": "text"}
	resp, err := c.doJSON(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("imclient: reply: code=%d msg=%s", resp.Code, resp.Msg)
	}
	var data SendMessageResp
	_ = json.Unmarshal(resp.Data, &data)
	return &data, nil
}

// SendImage uploads imageData then sends it to chatID as an image message.
func (c *Client) SendImage(ctx context.Context, chatID string, imageData io.Reader) (*SendMessageResp, error) {
	resp, err := c.doMultipart(ctx, imagesPath, map[string]string{"image_type": "message"}, "image", imageData, "image.png")
	if err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("imclient: upload image: code=%d msg=%s", resp.Code, resp.Msg)
	}
	var uploaded struct {
		ImageKey string `json:"image_key"`
	}
	_ = json.Unmarshal(resp.Data, &uploaded)

	content, _ := json.Marshal(map[string]string{"image_key": uploaded.ImageKey})
	return c.send(ctx, chatID, "image", string(content))
}

// NotifyText adapts Client to internal/usecase/launcher.Notifier.
func (c *Client) NotifyText(ctx context.Context, chatID, text string) error {
	_, err := c.SendText(ctx, chatID, text)
	return err
}

// SendCardOnly adapts Client to internal/usecase/registration.CardSender,
// whose callers only need success/failure, not the message identifier.
func (c *Client) SendCardOnly(ctx context.Context, chatID, cardJSON string) error {
	_, err := c.SendCard(ctx, chatID, cardJSON)
	return err
}
