package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Tiktoken 为 OpenAI 系模型适配 tiktoken 编码。
type Tiktoken struct {
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

// 模型前缀到 tiktoken 编码的映射。
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

// NewTiktoken 为给定模型创建 tiktoken 计数器。
func NewTiktoken(model string) *Tiktoken {
	encoding := ""
	for prefix, enc := range modelEncodings {
		if strings.HasPrefix(model, prefix) {
			encoding = enc
			break
		}
	}
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &Tiktoken{encoding: encoding}
}

// init 惰性初始化 tiktoken 编码（首次使用时可能下载数据）。
func (t *Tiktoken) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *Tiktoken) CountTokens(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

func (t *Tiktoken) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}

// ForModel 为模型选择计数器：OpenAI 系走 tiktoken，其余走估算器。
func ForModel(model string) Counter {
	for prefix := range modelEncodings {
		if strings.HasPrefix(model, prefix) {
			return NewTiktoken(model)
		}
	}
	return NewEstimator()
}
