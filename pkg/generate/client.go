// Package generate synthesizes source images through an OpenAI-compatible
// image chat endpoint and lays them out as a class-directory dataset with
// full-frame labels.
package generate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Tr1pa/Dataset-Generator/pkg/processing"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	DefaultModel   = "openai/gpt-5-image-mini"
	DefaultReferer = "https://github.com/Tr1pa/Dataset-Generator"
)

var (
	// ErrNoBalance is returned when the account has run out of credit (HTTP 402).
	ErrNoBalance = errors.New("account balance exhausted")
	// ErrRateLimited is returned when every attempt was rate limited (HTTP 429).
	ErrRateLimited = errors.New("rate limited")
	// ErrNoImage is returned when a request completed without a usable image.
	ErrNoImage = errors.New("no image in response")
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Referer string
	Timeout time.Duration
	Retries int
	// RateLimitWait is multiplied by the attempt number after a 429.
	RateLimitWait time.Duration
	// TimeoutWait is the pause before retrying a timed out request.
	TimeoutWait time.Duration
	Sleep       SleepFunc
}

// Client talks to the image generation endpoint.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	proc       *processing.Processor
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatCompletionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type ImageURL struct {
	URL string `json:"url"`
}

type ImagePart struct {
	Type     string   `json:"type,omitempty"`
	ImageURL ImageURL `json:"image_url"`
}

type ResponseMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
	Images  []ImagePart `json:"images"`
}

type Choice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
}

type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// NewClient creates a client, filling unset fields with defaults.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Referer == "" {
		cfg.Referer = DefaultReferer
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 180 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 2
	}
	if cfg.RateLimitWait == 0 {
		cfg.RateLimitWait = 20 * time.Second
	}
	if cfg.TimeoutWait == 0 {
		cfg.TimeoutWait = 5 * time.Second
	}
	if cfg.Sleep == nil {
		cfg.Sleep = Sleep
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		proc:       processing.NewProcessor(),
	}, nil
}

// Generate requests one image for prompt. cost is the reported spend even
// when no image came back.
func (c *Client) Generate(ctx context.Context, prompt string) (*image.NRGBA, float64, error) {
	req := ChatCompletionRequest{
		Model:    c.cfg.Model,
		Messages: []Message{{Role: "user", Content: prompt}},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	lastErr := ErrNoImage
	for attempt := 1; attempt <= c.cfg.Retries; attempt++ {
		status, body, err := c.post(ctx, "/chat/completions", payload)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
			lastErr = err
			if isTimeout(err) && attempt < c.cfg.Retries {
				if err := c.cfg.Sleep(ctx, c.cfg.TimeoutWait); err != nil {
					return nil, 0, err
				}
			}
			continue
		}

		switch status {
		case http.StatusOK:
			return c.decodeResponse(body)
		case http.StatusTooManyRequests:
			lastErr = ErrRateLimited
			if err := c.cfg.Sleep(ctx, c.cfg.RateLimitWait*time.Duration(attempt)); err != nil {
				return nil, 0, err
			}
			continue
		case http.StatusPaymentRequired:
			return nil, 0, ErrNoBalance
		default:
			return nil, 0, fmt.Errorf("%w: server returned status %d: %s", ErrNoImage, status, truncate(string(body), 200))
		}
	}
	return nil, 0, lastErr
}

func (c *Client) decodeResponse(body []byte) (*image.NRGBA, float64, error) {
	var resp ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, 0, fmt.Errorf("failed to parse response: %w", err)
	}
	cost := resp.Usage.Cost
	if len(resp.Choices) == 0 {
		return nil, cost, ErrNoImage
	}
	for _, part := range resp.Choices[0].Message.Images {
		img, err := c.decodeDataURL(part.ImageURL.URL)
		if err != nil {
			continue
		}
		return img, cost, nil
	}
	return nil, cost, ErrNoImage
}

// decodeDataURL decodes a data:image/...;base64, URL into an opaque image.
func (c *Client) decodeDataURL(url string) (*image.NRGBA, error) {
	if !strings.HasPrefix(url, "data:image") {
		return nil, fmt.Errorf("not an inline image")
	}
	i := strings.Index(url, ",")
	if i < 0 {
		return nil, fmt.Errorf("malformed data url")
	}
	data, err := base64.StdEncoding.DecodeString(url[i+1:])
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	img, err := c.proc.DecodeImageFromBytes(data)
	if err != nil {
		return nil, err
	}
	return processing.ToRGB(img), nil
}

// Balance is the account state reported by the key endpoint.
type Balance struct {
	Usage float64  `json:"usage"`
	Limit *float64 `json:"limit"`
}

// Remaining returns limit minus usage; ok is false for unlimited keys.
func (b Balance) Remaining() (float64, bool) {
	if b.Limit == nil || *b.Limit == 0 {
		return 0, false
	}
	return *b.Limit - b.Usage, true
}

// Balance queries the key endpoint.
func (c *Client) Balance(ctx context.Context) (Balance, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", c.cfg.BaseURL+"/auth/key", nil)
	if err != nil {
		return Balance{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Balance{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Balance{}, fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	var body struct {
		Data Balance `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Balance{}, fmt.Errorf("failed to parse balance: %w", err)
	}
	return body.Data, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("HTTP-Referer", c.cfg.Referer)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
