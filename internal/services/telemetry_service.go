package services

import (
	"context"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/pixelcredit/backend/internal/models"
	"github.com/rs/zerolog"
)

const toolStatsPrefix = "tool:stats:"

// ToolStatsService keeps per-tool usage counters in Redis. Counters are
// advisory; a Redis failure never affects a generation.
type ToolStatsService struct {
	redis *redis.Client
	log   zerolog.Logger
}

func NewToolStatsService(rdb *redis.Client, logger zerolog.Logger) *ToolStatsService {
	return &ToolStatsService{
		redis: rdb,
		log:   logger.With().Str("component", "tool_stats").Logger(),
	}
}

// RecordOutcome counts one terminal job. Credits are counted only for
// completed jobs, since failed ones are refunded.
func (s *ToolStatsService) RecordOutcome(ctx context.Context, job *models.Job) {
	if s == nil || s.redis == nil {
		return
	}

	key := toolStatsPrefix + job.ToolIdentifier
	_, err := s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, "usage_count", 1)
		if job.Status == models.JobCompleted {
			pipe.HIncrBy(ctx, key, "success_count", 1)
			pipe.HIncrBy(ctx, key, "total_credits_charged", job.RequestedCost)
		} else {
			pipe.HIncrBy(ctx, key, "failure_count", 1)
		}
		return nil
	})
	if err != nil {
		s.log.Warn().Err(err).Str("tool", job.ToolIdentifier).Msg("failed to record tool stats")
	}
}

func (s *ToolStatsService) GetToolStats(ctx context.Context, toolID string) (*models.ToolStats, error) {
	stats := &models.ToolStats{ToolIdentifier: toolID}
	if s == nil || s.redis == nil {
		return stats, nil
	}

	fields, err := s.redis.HGetAll(ctx, toolStatsPrefix+toolID).Result()
	if err != nil {
		return nil, err
	}

	stats.UsageCount = parseCounter(fields["usage_count"])
	stats.SuccessCount = parseCounter(fields["success_count"])
	stats.FailureCount = parseCounter(fields["failure_count"])
	stats.TotalCreditsCharged = parseCounter(fields["total_credits_charged"])
	if stats.UsageCount > 0 {
		stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.UsageCount)
	}
	return stats, nil
}

func parseCounter(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}
