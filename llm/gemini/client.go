// Package gemini 实现 Google Gemini 的 llm.Client 适配器。
// Gemini API 特点：
// 1. 使用 x-goog-api-key 请求头认证
// 2. systemInstruction 与 contents 分离传递
// 3. 429 错误体中携带 "retry in N s" 建议延迟与配额签名
//
// 错误分类在本包完成：上层只看 types.Error 的 Code / RetryAfter，
// 不做任何错误文本匹配。
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/llm"
	"github.com/BaSui01/roundtable/types"
)

// Config Gemini 适配器配置。
type Config struct {
	APIKey  string        `json:"api_key" yaml:"api_key"`
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Client 实现 llm.Client。
type Client struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewClient 创建 Gemini 适配器。
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger.With(zap.String("component", "gemini")),
	}
}

func (c *Client) Name() string { return "gemini" }

// Ready 返回是否配置了 API Key。
func (c *Client) Ready() bool { return strings.TrimSpace(c.cfg.APIKey) != "" }

// Gemini wire 结构
type geminiContent struct {
	Role  string       `json:"role,omitempty"` // user, model
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     float32 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiPromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate     `json:"candidates"`
	UsageMetadata  *geminiUsageMetadata  `json:"usageMetadata,omitempty"`
	PromptFeedback *geminiPromptFeedback `json:"promptFeedback,omitempty"`
}

type geminiCountResponse struct {
	TotalTokens int `json:"totalTokens"`
}

type geminiErrorResp struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (c *Client) buildHeaders(req *http.Request) {
	req.Header.Set("x-goog-api-key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
}

// Generate 实现 llm.Client.Generate。
func (c *Client) Generate(ctx context.Context, req *llm.GenerateRequest) (*llm.GenerateResponse, error) {
	if !c.Ready() {
		return nil, types.NewError(types.ErrNotReady, "gemini api key not configured")
	}

	body := geminiRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: req.Prompt}},
		}},
	}
	if req.SystemInstruction != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemInstruction}}}
	}
	if req.Temperature > 0 || req.MaxOutputTokens > 0 {
		body.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxOutputTokens,
		}
	}

	payload, _ := json.Marshal(body)
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", strings.TrimRight(c.cfg.BaseURL, "/"), req.Model)

	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	c.buildHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstream, "gemini request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := readErrMsg(resp.Body)
		c.logger.Debug("gemini error response",
			zap.Int("status", resp.StatusCode),
			zap.String("message", msg))
		return nil, mapError(resp.StatusCode, msg)
	}

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, types.NewError(types.ErrUpstream, "decode gemini response").WithCause(err)
	}

	return toResponse(geminiResp)
}

// CountTokens 调用 countTokens 端点统计 token 数（best-effort）。
func (c *Client) CountTokens(ctx context.Context, model, text string) (int, error) {
	if !c.Ready() {
		return 0, types.NewError(types.ErrNotReady, "gemini api key not configured")
	}

	body := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: text}}}},
	}
	payload, _ := json.Marshal(body)
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:countTokens", strings.TrimRight(c.cfg.BaseURL, "/"), model)

	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	c.buildHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return 0, types.NewError(types.ErrUpstream, "gemini countTokens failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return 0, mapError(resp.StatusCode, readErrMsg(resp.Body))
	}

	var countResp geminiCountResponse
	if err := json.NewDecoder(resp.Body).Decode(&countResp); err != nil {
		return 0, types.NewError(types.ErrUpstream, "decode countTokens response").WithCause(err)
	}
	return countResp.TotalTokens, nil
}

func toResponse(resp geminiResponse) (*llm.GenerateResponse, error) {
	out := &llm.GenerateResponse{}
	if resp.UsageMetadata != nil {
		out.Usage = llm.Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		}
	}

	// 整个 prompt 被安全过滤拦截
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, types.NewBlockedError(resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return nil, types.NewError(types.ErrUpstream, "gemini returned no candidates")
	}

	cand := resp.Candidates[0]
	if cand.FinishReason == "SAFETY" {
		return nil, types.NewBlockedError(cand.FinishReason)
	}
	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		sb.WriteString(part.Text)
	}
	out.Text = sb.String()
	return out, nil
}

func readErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var errResp geminiErrorResp
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return fmt.Sprintf("%s (status: %s)", errResp.Error.Message, errResp.Error.Status)
	}
	return string(data)
}

// dailyQuotaSignature 是免费层日配额用尽的错误签名。
// 与普通 429 区分：日配额不会在几分钟内恢复，不应重试。
var dailyQuotaSignature = regexp.MustCompile(`(?i)free tier|per day|daily.{0,20}limit|GenerateRequestsPerDay`)

// retryInPattern 匹配错误文本中的 "retry in 12.3s" / "Please retry in 7s" 建议。
var retryInPattern = regexp.MustCompile(`(?i)retry in ([0-9]+(?:\.[0-9]+)?)\s*s`)

// parseRetryAfter 从错误文本中提取服务端建议的重试延迟，没有则返回 0。
func parseRetryAfter(msg string) time.Duration {
	m := retryInPattern.FindStringSubmatch(msg)
	if len(m) != 2 {
		return 0
	}
	secs, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// mapError 将 HTTP 状态码与错误体映射到 types.Error 标记类型。
func mapError(status int, msg string) *types.Error {
	switch status {
	case http.StatusTooManyRequests:
		if dailyQuotaSignature.MatchString(msg) {
			return types.NewDailyQuotaError(msg)
		}
		return types.NewRateLimitedError(msg, parseRetryAfter(msg))
	case http.StatusUnauthorized, http.StatusForbidden:
		return types.NewError(types.ErrNotReady, msg)
	case http.StatusBadRequest:
		if strings.Contains(msg, "RESOURCE_EXHAUSTED") || strings.Contains(msg, "quota") {
			if dailyQuotaSignature.MatchString(msg) {
				return types.NewDailyQuotaError(msg)
			}
			return types.NewRateLimitedError(msg, parseRetryAfter(msg))
		}
		return types.NewError(types.ErrUpstream, msg)
	default:
		// 5xx 也不标记为可重试：重试策略只覆盖限流类错误，
		// 其余失败直接降级为该 Agent 的错误消息。
		return types.NewError(types.ErrUpstream, msg)
	}
}
