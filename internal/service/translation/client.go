package translation

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/config"
	apperrors "github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/errors"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/resilience"
)

// Translator converts text between languages
type Translator interface {
	Translate(ctx context.Context, text, source, target string) (string, error)
}

type translateRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
	APIKey string `json:"api_key,omitempty"`
}

type translateResponse struct {
	TranslatedText string `json:"translatedText"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Client calls a LibreTranslate-compatible HTTP service behind a circuit breaker
type Client struct {
	httpClient *resty.Client
	apiKey     string
	breaker    *gobreaker.CircuitBreaker
}

// NewClient returns nil when no base URL is configured
func NewClient(cfg config.TranslationConfig) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetHeader("User-Agent", "Hopeline-Comms/1.0").
		SetTimeout(cfg.Timeout)

	return &Client{
		httpClient: httpClient,
		apiKey:     cfg.APIKey,
		breaker: resilience.NewBreaker(resilience.BreakerSettings{
			Name:                "translation",
			ConsecutiveFailures: 5,
			// Rejected requests say nothing about the health of the service.
			IsSuccessful: func(err error) bool {
				return err == nil || !apperrors.IsRetryable(err)
			},
		}),
	}
}

// Translate returns text rendered in target
func (c *Client) Translate(ctx context.Context, text, source, target string) (string, error) {
	if c == nil {
		return "", apperrors.ServiceUnavailableError("translation service is not configured")
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		var (
			result  translateResponse
			failure errorResponse
		)
		resp, err := c.httpClient.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(translateRequest{Q: text, Source: source, Target: target, Format: "text", APIKey: c.apiKey}).
			SetResult(&result).
			SetError(&failure).
			Post("/translate")
		if err != nil {
			return nil, apperrors.TransientError(fmt.Errorf("translation request failed: %w", err))
		}
		if resp.IsError() {
			cause := fmt.Errorf("translation error (%d): %s", resp.StatusCode(), failure.Error)
			if resp.StatusCode() >= http.StatusInternalServerError || resp.StatusCode() == http.StatusTooManyRequests {
				return nil, apperrors.TransientError(cause)
			}
			return nil, apperrors.TranslationError(cause)
		}
		return result.TranslatedText, nil
	})
	if err != nil {
		if resilience.IsBreakerOpen(err) {
			return "", apperrors.ServiceUnavailableError("translation service unavailable")
		}
		return "", err
	}
	return out.(string), nil
}
