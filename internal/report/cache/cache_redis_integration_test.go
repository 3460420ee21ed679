//go:build integration

package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	approvalmodels "spotkeeper/internal/approval/models"
	"spotkeeper/internal/report/cache"
	"spotkeeper/internal/report/models"
	"spotkeeper/pkg/testutil/containers"
)

type RedisCacheSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	cache *cache.RedisCache
}

func TestRedisCacheSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisCacheSuite))
}

func (s *RedisCacheSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.cache = cache.NewRedis(s.redis.Client, time.Minute)
}

func (s *RedisCacheSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisCacheSuite) TestMissThenHit() {
	ctx := context.Background()

	_, ok, err := s.cache.Get(ctx, "evt-1")
	s.Require().NoError(err)
	s.False(ok)

	report := &models.Report{
		EventTypeID:   "evt-1",
		DeclinedCount: 2,
		Groups:        []models.GroupRow{{ID: 1, Name: "Group 2", Warning: true}},
		Bookings:      []models.BookingRow{},
	}
	s.Require().NoError(s.cache.Set(ctx, "evt-1", report))

	got, ok, err := s.cache.Get(ctx, "evt-1")
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal(report.DeclinedCount, got.DeclinedCount)
	s.Equal("Group 2", got.Groups[0].Name)

	ttl, err := s.redis.Client.TTL(ctx, "spotkeeper:report:evt-1").Result()
	s.Require().NoError(err)
	s.Greater(ttl, time.Duration(0))
}

func (s *RedisCacheSuite) TestInvalidate() {
	ctx := context.Background()
	s.Require().NoError(s.cache.Set(ctx, "evt-2", &models.Report{EventTypeID: "evt-2"}))
	s.Require().NoError(s.cache.Invalidate(ctx, "evt-2"))

	_, ok, err := s.cache.Get(ctx, "evt-2")
	s.Require().NoError(err)
	s.False(ok)
}

func (s *RedisCacheSuite) TestCorruptEntryIsAnError() {
	ctx := context.Background()
	s.Require().NoError(s.redis.Client.Set(ctx, "spotkeeper:report:evt-3", "{not json", time.Minute).Err())

	_, _, err := s.cache.Get(ctx, "evt-3")
	s.Error(err)
}

func (s *RedisCacheSuite) TestDecisionEventsInvalidate() {
	ctx := context.Background()
	s.Require().NoError(s.cache.Set(ctx, "evt-4", &models.Report{EventTypeID: "evt-4"}))
	s.Require().NoError(s.cache.Set(ctx, "evt-5", &models.Report{EventTypeID: "evt-5"}))

	err := s.cache.Publish(ctx, []approvalmodels.DecisionEvent{
		{BookingID: 1, EventTypeID: "evt-4"},
		{BookingID: 2, EventTypeID: "evt-4"},
	})
	s.Require().NoError(err)

	_, ok, err := s.cache.Get(ctx, "evt-4")
	s.Require().NoError(err)
	s.False(ok)
	_, ok, err = s.cache.Get(ctx, "evt-5")
	s.Require().NoError(err)
	s.True(ok)
}
