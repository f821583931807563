package services

import (
	"context"
	"errors"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/pixelcredit/backend/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolStatsService_RecordOutcome(t *testing.T) {
	ctx := context.Background()

	t.Run("completed job counts credits", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		mock.ExpectHIncrBy("tool:stats:ai-model", "usage_count", 1).SetVal(1)
		mock.ExpectHIncrBy("tool:stats:ai-model", "success_count", 1).SetVal(1)
		mock.ExpectHIncrBy("tool:stats:ai-model", "total_credits_charged", 15).SetVal(15)

		svc := NewToolStatsService(rdb, zerolog.Nop())
		svc.RecordOutcome(ctx, &models.Job{ToolIdentifier: "ai-model", Status: models.JobCompleted, RequestedCost: 15})
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed job counts a failure", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		mock.ExpectHIncrBy("tool:stats:scene-change", "usage_count", 1).SetVal(1)
		mock.ExpectHIncrBy("tool:stats:scene-change", "failure_count", 1).SetVal(1)

		svc := NewToolStatsService(rdb, zerolog.Nop())
		svc.RecordOutcome(ctx, &models.Job{ToolIdentifier: "scene-change", Status: models.JobFailed, RequestedCost: 10})
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nil redis is a no-op", func(t *testing.T) {
		svc := NewToolStatsService(nil, zerolog.Nop())
		assert.NotPanics(t, func() {
			svc.RecordOutcome(ctx, &models.Job{ToolIdentifier: "ai-model", Status: models.JobCompleted})
		})
	})
}

func TestToolStatsService_GetToolStats(t *testing.T) {
	ctx := context.Background()

	t.Run("derives success rate", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		mock.ExpectHGetAll("tool:stats:ai-model").SetVal(map[string]string{
			"usage_count":           "4",
			"success_count":         "3",
			"failure_count":         "1",
			"total_credits_charged": "45",
		})

		stats, err := NewToolStatsService(rdb, zerolog.Nop()).GetToolStats(ctx, "ai-model")
		require.NoError(t, err)
		assert.Equal(t, int64(4), stats.UsageCount)
		assert.Equal(t, int64(45), stats.TotalCreditsCharged)
		assert.InDelta(t, 0.75, stats.SuccessRate, 1e-9)
	})

	t.Run("unknown tool has zero counters", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		mock.ExpectHGetAll("tool:stats:color-change").SetVal(map[string]string{})

		stats, err := NewToolStatsService(rdb, zerolog.Nop()).GetToolStats(ctx, "color-change")
		require.NoError(t, err)
		assert.Zero(t, stats.UsageCount)
		assert.Zero(t, stats.SuccessRate)
	})

	t.Run("redis error", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		mock.ExpectHGetAll("tool:stats:ai-model").SetErr(errors.New("connection refused"))

		_, err := NewToolStatsService(rdb, zerolog.Nop()).GetToolStats(ctx, "ai-model")
		assert.Error(t, err)
	})
}
