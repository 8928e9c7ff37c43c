package audit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type failingSink struct{}

func (failingSink) Write(context.Context, *Event) error { return errors.New("disk full") }

func TestTrailRecordStampsEvent(t *testing.T) {
	ring := NewRingSink(10)
	trail := NewTrail(zap.NewNop(), failingSink{}, ring)

	trail.Record(context.Background(), Event{TenantID: "t1", EventType: EventLoginSuccess})

	events, err := trail.Query(context.Background(), Filter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].CreatedAt.IsZero())
	assert.Equal(t, RiskLow, events[0].RiskLevel)
}

func TestTrailSubscribeAndUnsubscribe(t *testing.T) {
	trail := NewTrail(zap.NewNop())

	var got []string
	unsubscribe := trail.Subscribe(func(e Event) { got = append(got, e.EventType) })
	trail.Subscribe(func(Event) { panic("boom") })
	assert.Equal(t, 2, trail.SubscriberCount())

	trail.Record(context.Background(), Event{EventType: "a"})
	unsubscribe()
	unsubscribe()
	trail.Record(context.Background(), Event{EventType: "b"})

	assert.Equal(t, []string{"a"}, got)
	assert.Equal(t, 1, trail.SubscriberCount())
}

func TestTrailQueryWithoutQuerier(t *testing.T) {
	trail := NewTrail(zap.NewNop(), failingSink{})
	_, err := trail.Query(context.Background(), Filter{})
	assert.Error(t, err)
}

func TestRingSinkEvictsOldest(t *testing.T) {
	ring := NewRingSink(3)
	for i := 0; i < 5; i++ {
		require.NoError(t, ring.Write(context.Background(), &Event{ID: fmt.Sprint(i), TenantID: "t1"}))
	}

	assert.Equal(t, 3, ring.Len())
	events, err := ring.Query(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "4", events[0].ID)
	assert.Equal(t, "2", events[2].ID)
}

func TestFilterMatches(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	e := &Event{TenantID: "t1", UserID: "u1", EventType: EventMFAFailed, RiskLevel: RiskMedium, CreatedAt: now}

	assert.True(t, Filter{TenantID: "t1", UserID: "u1"}.Matches(e))
	assert.False(t, Filter{TenantID: "t2"}.Matches(e))
	assert.False(t, Filter{RiskLevel: RiskHigh}.Matches(e))
	assert.False(t, Filter{Since: now.Add(time.Minute)}.Matches(e))
	assert.True(t, Filter{Until: now.Add(time.Minute), EventType: EventMFAFailed}.Matches(e))
}

func TestRingQueryLimit(t *testing.T) {
	ring := NewRingSink(10)
	for i := 0; i < 5; i++ {
		require.NoError(t, ring.Write(context.Background(), &Event{ID: fmt.Sprint(i)}))
	}
	events, err := ring.Query(context.Background(), Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "12****", MaskSecret("123456"))
	assert.Equal(t, "****", MaskSecret("1"))
}
