package services

import (
	"context"
	"io"
	"time"

	"github.com/pixelcredit/backend/internal/audit"
	"github.com/pixelcredit/backend/internal/models"
	"github.com/stretchr/testify/mock"
)

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Generate(ctx context.Context, toolID string, input models.NormalizedInput, deadline time.Time) (*models.ProviderResult, error) {
	args := m.Called(ctx, toolID, input, deadline)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ProviderResult), args.Error(1)
}

type MockArtifactStore struct {
	mock.Mock
}

func (m *MockArtifactStore) Save(ctx context.Context, data []byte, contentType string) (models.ArtifactRef, error) {
	args := m.Called(ctx, data, contentType)
	return args.Get(0).(models.ArtifactRef), args.Error(1)
}

func (m *MockArtifactStore) Resolve(ctx context.Context, key string) (io.ReadCloser, models.ArtifactRef, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Get(1).(models.ArtifactRef), args.Error(2)
	}
	return args.Get(0).(io.ReadCloser), args.Get(1).(models.ArtifactRef), args.Error(2)
}

type MockAlerter struct {
	mock.Mock
}

func (m *MockAlerter) Alert(ctx context.Context, event audit.AuditEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// providerFunc adapts a function to ProviderAdapter for tests that need to
// observe the context.
type providerFunc func(ctx context.Context, toolID string, input models.NormalizedInput, deadline time.Time) (*models.ProviderResult, error)

func (f providerFunc) Generate(ctx context.Context, toolID string, input models.NormalizedInput, deadline time.Time) (*models.ProviderResult, error) {
	return f(ctx, toolID, input, deadline)
}

// flakyLedger fails compensation while failing is set.
type flakyLedger struct {
	*MemoryLedgerStore
	failing      bool
	compensating int
}

func (l *flakyLedger) Compensate(ctx context.Context, jobID string) (*models.LedgerEntry, error) {
	l.compensating++
	if l.failing {
		return nil, ErrServiceUnavailable
	}
	return l.MemoryLedgerStore.Compensate(ctx, jobID)
}

type mutableCatalog struct {
	*StaticCatalog
	costs map[string]int64
}

func (c *mutableCatalog) GetCost(ctx context.Context, toolID string) (int64, error) {
	if cost, ok := c.costs[toolID]; ok {
		return cost, nil
	}
	return c.StaticCatalog.GetCost(ctx, toolID)
}
