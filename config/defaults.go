// =============================================================================
// 📦 Roundtable 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Gemini:  DefaultGeminiConfig(),
		Limits:  DefaultLimitsConfig(),
		Retry:   DefaultRetryConfig(),
		Turn:    DefaultTurnConfig(),
		Log:     DefaultLogConfig(),
		Metrics: DefaultMetricsConfig(),
	}
}

// DefaultGeminiConfig 返回默认上游 API 配置
func DefaultGeminiConfig() GeminiConfig {
	return GeminiConfig{
		BaseURL: "https://generativelanguage.googleapis.com",
		Timeout: 60 * time.Second,
	}
}

// DefaultLimitsConfig 返回默认速率与配额配置
func DefaultLimitsConfig() LimitsConfig {
	return LimitsConfig{
		DailyQuota:        20,
		RequestsPerMinute: 15,
		MinRequestSpacing: time.Second,
		TokensPerMinute:   1000000,
		ContextTokenLimit: 1000000,
		WarnThreshold:     0.8,
	}
}

// DefaultRetryConfig 返回默认重试策略配置
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   3 * time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2.0,
	}
}

// DefaultTurnConfig 返回默认回合编排配置
func DefaultTurnConfig() TurnConfig {
	return TurnConfig{
		SummaryInterval: 6,
		RecentWindow:    6,
		MaxOutputTokens: 2048,
		TitleMaxRunes:   40,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled: false,
		Port:    9091,
	}
}
