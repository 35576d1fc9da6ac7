package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"smm-post-bot/internal/infra/metrics"
)

const defaultXBaseURL = "https://api.twitter.com"

// X публикует посты через X API v2 (POST /2/tweets).
type X struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewX создаёт площадку X. Пустой baseURL означает боевой API.
func NewX(token, baseURL string) *X {
	if baseURL == "" {
		baseURL = defaultXBaseURL
	}
	return &X{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// Platform возвращает имя площадки.
func (p *X) Platform() string { return "x" }

type xTweetRequest struct {
	Text string `json:"text"`
}

type xTweetResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

type xAPIError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// Publish создаёт твит. Картинка игнорируется: загрузка медиа идёт через
// отдельный v1.1 endpoint и здесь не поддерживается.
func (p *X) Publish(ctx context.Context, text, _ string) (string, error) {
	if p.token == "" {
		return "", fmt.Errorf("x: bearer token is empty")
	}
	payload, err := json.Marshal(xTweetRequest{Text: text})
	if err != nil {
		return "", fmt.Errorf("x: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/2/tweets", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("x: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.token)

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("x_api", "create_tweet", "tweets", start, err)
		return "", fmt.Errorf("x: do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.ObserveNetworkRequest("x_api", "create_tweet", "tweets", start, err)
		return "", fmt.Errorf("x: read response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		var apiErr xAPIError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Detail != "" {
			err = fmt.Errorf("x: %s", apiErr.Detail)
		} else {
			err = fmt.Errorf("x: unexpected status %d", resp.StatusCode)
		}
		metrics.ObserveNetworkRequest("x_api", "create_tweet", "tweets", start, err)
		return "", err
	}

	var parsed xTweetResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		metrics.ObserveNetworkRequest("x_api", "create_tweet", "tweets", start, err)
		return "", fmt.Errorf("x: decode response: %w", err)
	}
	metrics.ObserveNetworkRequest("x_api", "create_tweet", "tweets", start, nil)
	if parsed.Data.ID == "" {
		return "", fmt.Errorf("x: empty tweet id in response")
	}
	return parsed.Data.ID, nil
}
