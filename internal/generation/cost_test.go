package generation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/itzam-ai/itzam/internal/domain"
)

func TestCost(t *testing.T) {
	model := domain.Model{
		Tag:              "openai:gpt-4.1-mini",
		InputPerMillion:  decimal.RequireFromString("0.40"),
		OutputPerMillion: decimal.RequireFromString("1.60"),
	}

	got := Cost(Usage{InputTokens: 1200, OutputTokens: 350}, model)

	// 1200/1e6*0.40 + 350/1e6*1.60 = 0.00048 + 0.00056
	assert.True(t, decimal.RequireFromString("0.00104").Equal(got), "got %s", got)
}

func TestCostZeroUsage(t *testing.T) {
	model := domain.Model{
		InputPerMillion:  decimal.NewFromInt(3),
		OutputPerMillion: decimal.NewFromInt(15),
	}
	assert.True(t, Cost(Usage{}, model).IsZero())
}

func TestCostIgnoresLaterPriceChanges(t *testing.T) {
	snapshot := domain.Model{
		InputPerMillion:  decimal.NewFromInt(3),
		OutputPerMillion: decimal.NewFromInt(15),
	}
	usage := Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	before := Cost(usage, snapshot)

	live := snapshot
	live.InputPerMillion = decimal.NewFromInt(30)

	assert.True(t, before.Equal(Cost(usage, snapshot)))
	assert.False(t, before.Equal(Cost(usage, live)))
	assert.Equal(t, "18", before.String())
}
