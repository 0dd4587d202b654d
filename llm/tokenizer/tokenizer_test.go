package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimator_ASCII(t *testing.T) {
	e := NewEstimator()
	n, err := e.CountTokens("hello world, this is a test sentence")
	assert.NoError(t, err)
	// 36 ASCII 字符 / 4 ≈ 9
	assert.Equal(t, 9, n)
}

func TestEstimator_CJK(t *testing.T) {
	e := NewEstimator()
	n, err := e.CountTokens("你好世界")
	assert.NoError(t, err)
	// 4 个 CJK 字符 / 1.5 ≈ 2
	assert.Equal(t, 2, n)
}

func TestEstimator_Empty(t *testing.T) {
	e := NewEstimator()
	n, err := e.CountTokens("")
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestEstimator_MinimumOne(t *testing.T) {
	e := NewEstimator()
	n, err := e.CountTokens("a")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestForModel(t *testing.T) {
	assert.Equal(t, "estimator", ForModel("gemini-2.5-flash").Name())
	assert.Equal(t, "tiktoken[o200k_base]", ForModel("gpt-4o-mini").Name())
	assert.Equal(t, "tiktoken[cl100k_base]", ForModel("gpt-4").Name())
}
