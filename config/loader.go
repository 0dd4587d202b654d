// =============================================================================
// 📦 Roundtable 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("roundtable.yaml").
//	    WithEnvPrefix("ROUNDTABLE").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/roundtable/governor"
	"github.com/BaSui01/roundtable/llm/gemini"
	"github.com/BaSui01/roundtable/orchestrator"
	"github.com/BaSui01/roundtable/retry"
	"github.com/BaSui01/roundtable/types"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 Roundtable 的完整配置结构
type Config struct {
	// Gemini 上游 API 配置
	Gemini GeminiConfig `yaml:"gemini" env:"GEMINI"`

	// Limits 速率与配额配置
	Limits LimitsConfig `yaml:"limits" env:"LIMITS"`

	// Retry 重试策略配置
	Retry RetryConfig `yaml:"retry" env:"RETRY"`

	// Turn 回合编排配置
	Turn TurnConfig `yaml:"turn" env:"TURN"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Metrics 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// Agents 参与会话的 Agent 列表
	Agents []AgentSpec `yaml:"agents" env:"-"`
}

// GeminiConfig 上游 API 配置
type GeminiConfig struct {
	// API 密钥
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// API 基址
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// LimitsConfig 速率与配额配置
type LimitsConfig struct {
	// 进程级日请求上限
	DailyQuota int `yaml:"daily_quota" env:"DAILY_QUOTA"`
	// 60s 滑动窗口请求上限
	RequestsPerMinute int `yaml:"requests_per_minute" env:"REQUESTS_PER_MINUTE"`
	// 出站调用最小间隔
	MinRequestSpacing time.Duration `yaml:"min_request_spacing" env:"MIN_REQUEST_SPACING"`
	// 每模型 TPM 预算（0 表示不跟踪）
	TokensPerMinute int `yaml:"tokens_per_minute" env:"TOKENS_PER_MINUTE"`
	// 每模型会话上下文 token 预算（0 表示不跟踪）
	ContextTokenLimit int `yaml:"context_token_limit" env:"CONTEXT_TOKEN_LIMIT"`
	// 预算告警阈值（0.0-1.0）
	WarnThreshold float64 `yaml:"warn_threshold" env:"WARN_THRESHOLD"`
}

// RetryConfig 重试策略配置
type RetryConfig struct {
	// 总尝试次数上限（含首次调用）
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// 首次重试前的基础延迟
	BaseDelay time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	// 单次延迟上限
	MaxDelay time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	// 延迟倍增因子
	Multiplier float64 `yaml:"multiplier" env:"MULTIPLIER"`
}

// TurnConfig 回合编排配置
type TurnConfig struct {
	// 摘要触发间隔（回合数）
	SummaryInterval int `yaml:"summary_interval" env:"SUMMARY_INTERVAL"`
	// 提示词中逐字携带的最近消息数
	RecentWindow int `yaml:"recent_window" env:"RECENT_WINDOW"`
	// 单次回复输出 token 上限
	MaxOutputTokens int `yaml:"max_output_tokens" env:"MAX_OUTPUT_TOKENS"`
	// 回退标题的最大字符数
	TitleMaxRunes int `yaml:"title_max_runes" env:"TITLE_MAX_RUNES"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否启用 Prometheus 指标端点
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 指标端口
	Port int `yaml:"port" env:"PORT"`
}

// AgentSpec 描述一个参与会话的 Agent
type AgentSpec struct {
	// 唯一标识
	ID string `yaml:"id"`
	// 展示名称
	DisplayName string `yaml:"display_name"`
	// 角色: chatter, moderator
	Role string `yaml:"role"`
	// 模型名称
	Model string `yaml:"model"`
	// 温度参数
	Temperature float32 `yaml:"temperature"`
	// 系统提示词
	SystemInstruction string `yaml:"system_instruction"`
	// 沉默模式: standard, always_speak, conservative, agreeable
	SilenceMode string `yaml:"silence_mode"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "ROUNDTABLE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Limits.DailyQuota <= 0 {
		errs = append(errs, "daily_quota must be positive")
	}
	if c.Limits.RequestsPerMinute <= 0 {
		errs = append(errs, "requests_per_minute must be positive")
	}
	if c.Limits.MinRequestSpacing < 0 {
		errs = append(errs, "min_request_spacing must not be negative")
	}
	if c.Limits.WarnThreshold < 0 || c.Limits.WarnThreshold > 1 {
		errs = append(errs, "warn_threshold must be in [0, 1]")
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, "max_attempts must be positive")
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, "multiplier must be >= 1")
	}
	if c.Turn.SummaryInterval <= 0 {
		errs = append(errs, "summary_interval must be positive")
	}
	if c.Turn.RecentWindow <= 0 {
		errs = append(errs, "recent_window must be positive")
	}
	for i, spec := range c.Agents {
		if spec.ID == "" {
			errs = append(errs, fmt.Sprintf("agents[%d]: id is required", i))
		}
		if spec.Model == "" {
			errs = append(errs, fmt.Sprintf("agents[%d]: model is required", i))
		}
		switch types.Role(spec.Role) {
		case types.RoleChatter, types.RoleModerator:
		default:
			errs = append(errs, fmt.Sprintf("agents[%d]: unknown role %q", i, spec.Role))
		}
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		errs = append(errs, "invalid metrics port")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// =============================================================================
// 🔄 转换函数
// =============================================================================

// GeminiClientConfig 转换为 gemini.Config
func (c *Config) GeminiClientConfig() gemini.Config {
	return gemini.Config{
		APIKey:  c.Gemini.APIKey,
		BaseURL: c.Gemini.BaseURL,
		Timeout: c.Gemini.Timeout,
	}
}

// GovernorConfig 转换为 governor.Config
func (c *Config) GovernorConfig() governor.Config {
	return governor.Config{
		DailyQuota:        c.Limits.DailyQuota,
		RequestsPerMinute: c.Limits.RequestsPerMinute,
		MinRequestSpacing: c.Limits.MinRequestSpacing,
		TokensPerMinute:   c.Limits.TokensPerMinute,
		ContextTokenLimit: c.Limits.ContextTokenLimit,
		WarnThreshold:     c.Limits.WarnThreshold,
	}
}

// RetryPolicy 转换为 retry.Policy
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
		Multiplier:  c.Retry.Multiplier,
	}
}

// OrchestratorConfig 转换为 orchestrator.Config
func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		SummaryInterval: c.Turn.SummaryInterval,
		RecentWindow:    c.Turn.RecentWindow,
		MaxOutputTokens: c.Turn.MaxOutputTokens,
		TitleMaxRunes:   c.Turn.TitleMaxRunes,
	}
}

// BuildAgents 将 AgentSpec 列表转换为 types.Agent 列表
func (c *Config) BuildAgents() []types.Agent {
	agents := make([]types.Agent, 0, len(c.Agents))
	for _, spec := range c.Agents {
		mode := types.SilenceMode(spec.SilenceMode)
		if spec.SilenceMode == "" {
			mode = types.SilenceStandard
		}
		agents = append(agents, types.Agent{
			ID:                spec.ID,
			DisplayName:       spec.DisplayName,
			Role:              types.Role(spec.Role),
			Temperature:       spec.Temperature,
			SystemInstruction: spec.SystemInstruction,
			Model:             spec.Model,
			SilenceMode:       mode,
		})
	}
	return agents
}
