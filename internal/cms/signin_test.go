package cms

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stateofplay-edge/internal/edge"
)

func TestSendSignInLink(t *testing.T) {
	t.Parallel()

	var got map[string]string
	client, ghost := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	})

	require.NoError(t, client.SendSignInLink(context.Background(), " Pro@Example.com "))
	require.Equal(t, []string{"/members/api/send-magic-link/"}, ghost.paths())
	require.Equal(t, map[string]string{"email": "pro@example.com", "emailType": "signin"}, got)
}

func TestSendSignInLinkErrors(t *testing.T) {
	t.Parallel()

	client, ghost := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	require.ErrorIs(t, client.SendSignInLink(context.Background(), "  "), ErrInvalidEmail)
	require.Empty(t, ghost.paths())

	err := client.SendSignInLink(context.Background(), "pro@example.com")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
}

func TestCurrentMemberFromSessionCookie(t *testing.T) {
	t.Parallel()

	client, ghost := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "ghost-members-ssr=abc", r.Header.Get("Cookie"))
		_, _ = w.Write([]byte(`{"email":"Pro@Example.com","name":"Pat Pro","status":"paid",
			"subscriptions":[{"status":"active","current_period_end":"2026-01-01T00:00:00.000Z"}]}`))
	})

	record, err := client.CurrentMember(context.Background(), "ghost-members-ssr=abc")
	require.NoError(t, err)
	require.Equal(t, "pro@example.com", record.Email)
	require.Equal(t, edge.StatusPaid, record.Status)
	require.NotNil(t, record.SubscriptionEnd)
	require.Equal(t, []string{"/members/api/member/"}, ghost.paths())
}

func TestCurrentMemberWithoutSession(t *testing.T) {
	t.Parallel()

	for name, reply := range map[string]func(http.ResponseWriter){
		"no content":   func(w http.ResponseWriter) { w.WriteHeader(http.StatusNoContent) },
		"unauthorized": func(w http.ResponseWriter) { w.WriteHeader(http.StatusUnauthorized) },
		"null body":    func(w http.ResponseWriter) { _, _ = w.Write([]byte("null")) },
		"empty body":   func(w http.ResponseWriter) { w.WriteHeader(http.StatusOK) },
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) { reply(w) })
			record, err := client.CurrentMember(context.Background(), "ghost-members-ssr=stale")
			require.ErrorIs(t, err, edge.ErrNoMemberSession)
			require.Equal(t, edge.StatusNone, record.Status)
		})
	}
}

func TestCurrentMemberRequiresCookie(t *testing.T) {
	t.Parallel()

	client, ghost := newTestClient(t, func(http.ResponseWriter, *http.Request) {})
	_, err := client.CurrentMember(context.Background(), "")
	require.ErrorIs(t, err, edge.ErrNoMemberSession)
	require.Empty(t, ghost.paths())
}
