// Package llm 定义编排引擎对语言模型能力的最小契约。
// 具体的 Provider 适配器（见 llm/gemini）负责 wire 协议与错误分类；
// 上层（retry、governor、orchestrator）只依赖本包的接口与 types 错误码。
package llm

import (
	"context"
	"strings"
)

// GenerateRequest 描述一次同步生成请求。
type GenerateRequest struct {
	Model             string  `json:"model"`
	Prompt            string  `json:"prompt"`
	SystemInstruction string  `json:"system_instruction,omitempty"`
	Temperature       float32 `json:"temperature,omitempty"`
	MaxOutputTokens   int     `json:"max_output_tokens,omitempty"`
}

// Usage 记录一次调用的 token 消耗，由 Provider 响应回填。
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// GenerateResponse 是一次成功生成的结果。
// BlockReason 非空时表示响应被安全过滤拦截（与普通失败区分上报）。
type GenerateResponse struct {
	Text        string `json:"text"`
	Usage       Usage  `json:"usage"`
	BlockReason string `json:"block_reason,omitempty"`
}

// Client 定义统一的模型调用接口。
// 错误必须映射为 types.Error 的标记类型（RATE_LIMITED / DAILY_QUOTA_EXCEEDED /
// BLOCKED / UPSTREAM_ERROR），分类发生在适配器边界，而非上层字符串匹配。
type Client interface {
	// Generate 发起同步生成请求，返回完整响应。
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)

	// CountTokens 统计文本的 token 数（best-effort，失败不致命）。
	CountTokens(ctx context.Context, model, text string) (int, error)

	// Ready 返回是否配置了可用的 API 凭据。
	Ready() bool

	// Name 返回 Provider 的唯一标识。
	Name() string
}

// SilenceToken 是沉默协议的字面量：Agent 输出该 token 表示本轮无新增观点。
const SilenceToken = "SILENCE"

// IsSilence 判断 chatter 的原始输出是否为精确的沉默信号
// （去除首尾空白后全大写等于 SILENCE）。
func IsSilence(raw string) bool {
	return strings.ToUpper(strings.TrimSpace(raw)) == SilenceToken
}

// ContainsSilence 判断 moderator 的输出是否包含沉默信号。
// 注意：moderator 采用子串匹配，比 chatter 的精确匹配更宽松，
// 这一不对称是既有行为，不要"修复"。
func ContainsSilence(raw string) bool {
	return strings.Contains(raw, SilenceToken)
}
