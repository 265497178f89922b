// Package imagegen calls the external image-generation API: prompt in,
// image URL out.
package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pixelforge/internal/apperr"
	"pixelforge/pkg/clients"
	"pixelforge/pkg/logging"
)

const maxPromptLength = 2000

type Config struct {
	APIURL  string
	APIKey  string
	Timeout time.Duration
	Policy  clients.PolicyConfig
	Logger  logging.Logger
}

type Client struct {
	http   *http.Client
	apiURL string
	apiKey string
	exec   *clients.Executor[*http.Response]
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Policy.Name == "" {
		cfg.Policy = clients.DefaultPolicyConfig("imagegen")
		cfg.Policy.MaxRetries = 1
	}
	if cfg.Policy.Logger == nil {
		cfg.Policy.Logger = cfg.Logger
	}
	return &Client{
		http:   clients.NewHTTPClient(cfg.Timeout),
		apiURL: strings.TrimRight(cfg.APIURL, "/"),
		apiKey: cfg.APIKey,
		exec:   clients.NewHTTPExecutor(cfg.Policy, nil),
	}
}

// Configured reports whether an API URL is set.
func (c *Client) Configured() bool { return c.apiURL != "" }

type generateRequest struct {
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
}

// generateResponse accepts both {"image_url": ...} and the OpenAI images
// shape {"data": [{"url": ...}]}.
type generateResponse struct {
	ImageURL string `json:"image_url"`
	URL      string `json:"url"`
	Data     []struct {
		URL string `json:"url"`
	} `json:"data"`
}

// ValidatePrompt rejects prompts the API would refuse anyway.
func ValidatePrompt(prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", apperr.New(apperr.Validation, "prompt is required")
	}
	if len(prompt) > maxPromptLength {
		return "", apperr.New(apperr.Validation, "prompt exceeds %d characters", maxPromptLength)
	}
	return prompt, nil
}

// Generate returns the URL of the generated image. Failures are Upstream.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if !c.Configured() {
		return "", apperr.New(apperr.Config, "image generation is not configured")
	}
	payload, err := json.Marshal(generateRequest{Prompt: prompt, N: 1})
	if err != nil {
		return "", fmt.Errorf("imagegen: marshal request: %w", err)
	}

	resp, err := c.exec.Get(ctx, func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if clients.DefaultShouldRetry(resp, nil) {
			// a retried response is discarded by the executor
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, clients.ErrBreakerOpen) {
			return "", apperr.Wrap(apperr.Upstream, err, "image API circuit open")
		}
		return "", apperr.Wrap(apperr.Upstream, err, "image API request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", apperr.New(apperr.Upstream, "image API returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var out generateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", apperr.Wrap(apperr.Upstream, err, "decode image API response")
	}
	switch {
	case out.ImageURL != "":
		return out.ImageURL, nil
	case out.URL != "":
		return out.URL, nil
	case len(out.Data) > 0 && out.Data[0].URL != "":
		return out.Data[0].URL, nil
	}
	return "", apperr.New(apperr.Upstream, "image API response has no image URL")
}
