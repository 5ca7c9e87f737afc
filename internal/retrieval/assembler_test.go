package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/krishi-officer/backend/internal/storage/models"
	"github.com/krishi-officer/backend/pkg/apperrors"
)

type mockSearcher struct {
	mock.Mock
}

func (m *mockSearcher) Search(ctx context.Context, text string, k int) ([]models.Passage, error) {
	args := m.Called(ctx, text, k)
	passages, _ := args.Get(0).([]models.Passage)
	return passages, args.Error(1)
}

func riceBlast() models.EntitySet {
	return models.EntitySet{
		Crops:    models.NewStringSet("rice"),
		Diseases: models.NewStringSet("blast"),
	}
}

func TestAssemble_EnrichesQueryAndRanks(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	searcher := new(mockSearcher)
	searcher.On("Search", mock.Anything, "blast in paddy rice blast", 5).Return([]models.Passage{
		{DocID: "a", Score: 0.4, UpdatedAt: now},
		{DocID: "b", Score: 0.9, UpdatedAt: now},
		{DocID: "c", Score: 0.7, UpdatedAt: now.Add(-time.Hour)},
		{DocID: "d", Score: 0.7, UpdatedAt: now},
	}, nil).Once()

	a := NewAssembler(searcher, Config{})
	res := a.Assemble(context.Background(), "blast in paddy", riceBlast(), 0)

	require.Equal(t, models.StageSuccess, res.Status)
	require.NoError(t, res.Err)
	ids := make([]string, 0, len(res.Passages))
	for _, p := range res.Passages {
		ids = append(ids, p.DocID)
	}
	assert.Equal(t, []string{"b", "d", "c", "a"}, ids)
	searcher.AssertExpectations(t)
}

func TestAssemble_TruncatesToK(t *testing.T) {
	searcher := new(mockSearcher)
	searcher.On("Search", mock.Anything, "q", 2).Return([]models.Passage{
		{DocID: "a", Score: 0.1},
		{DocID: "b", Score: 0.2},
		{DocID: "c", Score: 0.3},
	}, nil)

	res := NewAssembler(searcher, Config{}).Assemble(context.Background(), "q", models.EntitySet{}, 2)

	require.Len(t, res.Passages, 2)
	assert.Equal(t, "c", res.Passages[0].DocID)
	assert.Equal(t, "b", res.Passages[1].DocID)
}

func TestAssemble_ZeroResultsIsSuccess(t *testing.T) {
	searcher := new(mockSearcher)
	searcher.On("Search", mock.Anything, "q", 5).Return([]models.Passage(nil), nil)

	res := NewAssembler(searcher, Config{}).Assemble(context.Background(), "q", models.EntitySet{}, 5)

	assert.Equal(t, models.StageSuccess, res.Status)
	assert.Empty(t, res.Passages)
	assert.NoError(t, res.Err)
}

func TestAssemble_UnreachableStoreDegrades(t *testing.T) {
	searcher := new(mockSearcher)
	searcher.On("Search", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("connection refused")).Once()

	res := NewAssembler(searcher, Config{}).Assemble(context.Background(), "q", riceBlast(), 5)

	assert.Equal(t, models.StageDegraded, res.Status)
	assert.NotNil(t, res.Passages)
	assert.Empty(t, res.Passages)
	assert.True(t, errors.Is(res.Err, apperrors.ErrUpstreamUnavailable))
	searcher.AssertNumberOfCalls(t, "Search", 1)
}

func TestAssemble_TimeoutDegrades(t *testing.T) {
	searcher := new(mockSearcher)
	searcher.On("Search", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded).Once()

	a := NewAssembler(searcher, Config{Timeout: 20 * time.Millisecond})
	start := time.Now()
	res := a.Assemble(context.Background(), "q", models.EntitySet{}, 5)

	assert.Equal(t, models.StageDegraded, res.Status)
	assert.Empty(t, res.Passages)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEnrichQuery(t *testing.T) {
	assert.Equal(t, "hello", EnrichQuery("hello", models.EntitySet{}))

	entities := models.EntitySet{
		Crops: models.NewStringSet("rice", "banana"),
		Pests: models.NewStringSet("stem_borer"),
	}
	assert.Equal(t, "q banana rice stem_borer", EnrichQuery("q", entities))
}

func TestRank_DoesNotModifyInput(t *testing.T) {
	in := []models.Passage{{DocID: "a", Score: 0.1}, {DocID: "b", Score: 0.9}}

	out := Rank(in, 5)

	assert.Equal(t, "a", in[0].DocID)
	assert.Equal(t, "b", out[0].DocID)
}
