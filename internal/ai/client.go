// Package ai calls an OpenAI-compatible chat-completions endpoint to
// adjudicate market shocks and recoveries. The model is forced into a
// strict-JSON verdict; anything it returns that does not parse is an error,
// and the caller takes its conservative branch.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"krx-momentum/internal/config"
	"krx-momentum/pkg/types"
)

const shockSystemPrompt = `You are a risk officer for a KRX intraday momentum book.
Given a market shock snapshot, decide whether the book must go risk-off
(liquidate everything and stop trading). Respond with strict JSON only:
{"risk_off": true|false, "reason": "<one sentence>"}`

const recoverySystemPrompt = `You are a risk officer for a KRX intraday momentum book
that is currently risk-off after a market shock. Given the current market
snapshot, decide whether conditions have recovered enough to resume trading
at reduced size. Respond with strict JSON only:
{"recovered": true|false, "reason": "<one sentence>"}`

// Client is the chat-completions adjudicator.
type Client struct {
	http   *resty.Client
	model  string
	logger *slog.Logger
}

// New creates a client from the AI config.
func New(cfg config.AIConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(timeout).
			SetHeader("Authorization", "Bearer "+cfg.APIKey).
			SetHeader("Content-Type", "application/json"),
		model:  cfg.Model,
		logger: logger.With("component", "ai"),
	}
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// JudgeShock asks whether the confirmed shock warrants Risk-Off.
func (c *Client) JudgeShock(ctx context.Context, snap types.ShockSnapshot) (bool, error) {
	content, err := c.chat(ctx, shockSystemPrompt, snap)
	if err != nil {
		return false, err
	}
	var verdict struct {
		RiskOff bool   `json:"risk_off"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(content), &verdict); err != nil {
		return false, fmt.Errorf("unparseable shock verdict %q: %w", content, err)
	}
	c.logger.Info("shock adjudicated", "risk_off", verdict.RiskOff, "reason", verdict.Reason)
	return verdict.RiskOff, nil
}

// JudgeRecovery asks whether trading can resume.
func (c *Client) JudgeRecovery(ctx context.Context, snap types.ShockSnapshot) (bool, error) {
	content, err := c.chat(ctx, recoverySystemPrompt, snap)
	if err != nil {
		return false, err
	}
	var verdict struct {
		Recovered bool   `json:"recovered"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(content), &verdict); err != nil {
		return false, fmt.Errorf("unparseable recovery verdict %q: %w", content, err)
	}
	c.logger.Info("recovery adjudicated", "recovered", verdict.Recovered, "reason", verdict.Reason)
	return verdict.Recovered, nil
}

// chat posts one system+user exchange and returns the raw content string.
func (c *Client) chat(ctx context.Context, system string, snap types.ShockSnapshot) (string, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}

	var out chatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model: c.model,
			Messages: []chatMessage{
				{Role: "system", Content: system},
				{Role: "user", Content: string(payload)},
			},
			Temperature:    0,
			ResponseFormat: &respFormat{Type: "json_object"},
		}).
		SetResult(&out).
		Post("/v1/chat/completions")
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("chat completion: status %d: %s", resp.StatusCode(), resp.String())
	}
	if out.Error != nil {
		return "", fmt.Errorf("chat completion: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("chat completion: empty choices")
	}
	content := strings.TrimSpace(out.Choices[0].Message.Content)
	// Some models wrap JSON in a code fence despite the format hint.
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content), nil
}
