package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stateofplay-edge/internal/edge"
	"github.com/JakeFAU/stateofplay-edge/internal/reconcile"
)

func activation(session string) reconcile.ActivationEvent {
	return reconcile.ActivationEvent{SessionID: session, Email: "pro@example.com", Status: edge.StatusPaid, Attempts: 1}
}

func TestPublisherRetainsNewestFirst(t *testing.T) {
	t.Parallel()

	pub := New(0, nil)
	id1, err := pub.Publish(context.Background(), reconcile.ActivatedTopic, activation("s-1"))
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)

	ev := activation("s-2")
	id2, err := pub.Publish(context.Background(), reconcile.ActivatedTopic, &ev)
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	got := pub.Recent(0)
	require.Len(t, got, 2)
	require.Equal(t, "s-2", got[0].Event.SessionID)
	require.Equal(t, reconcile.ActivatedTopic, got[1].Topic)
	require.Len(t, pub.Recent(1), 1)

	got[0].Topic = "mutated"
	require.Equal(t, reconcile.ActivatedTopic, pub.Recent(1)[0].Topic)
}

func TestPublisherIsBounded(t *testing.T) {
	t.Parallel()

	pub := New(3, nil)
	for i := 1; i <= 10; i++ {
		_, err := pub.Publish(context.Background(), reconcile.ActivatedTopic, activation(fmt.Sprintf("s-%d", i)))
		require.NoError(t, err)
	}

	require.Equal(t, 3, pub.Len())
	got := pub.Recent(0)
	require.Equal(t, "memory-10", got[0].ID)
	require.Equal(t, "s-8", got[2].Event.SessionID)
}

func TestPublisherRejectsForeignPayloads(t *testing.T) {
	t.Parallel()

	pub := New(2, nil)
	_, err := pub.Publish(context.Background(), reconcile.ActivatedTopic, map[string]string{"email": "a@example.com"})
	require.ErrorContains(t, err, "unsupported payload")
	var nilEvent *reconcile.ActivationEvent
	_, err = pub.Publish(context.Background(), reconcile.ActivatedTopic, nilEvent)
	require.Error(t, err)
	require.Zero(t, pub.Len())
}
