package gmail

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// fakeAPI serves canned Gmail API JSON keyed by URL path suffix.
func fakeAPI(t *testing.T, routes map[string]string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for suffix, body := range routes {
			if strings.HasSuffix(r.URL.Path, suffix) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(body))
				return
			}
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	svc, err := gmail.NewService(context.Background(),
		option.WithoutAuthentication(), option.WithEndpoint(srv.URL))
	require.NoError(t, err)
	return &Client{svc: svc, user: defaultUser}
}

func drain(out chan string) []string {
	close(out)
	var ids []string
	for id := range out {
		ids = append(ids, id)
	}
	return ids
}

func TestListChanged_FullCapturesCursorFromProfile(t *testing.T) {
	c := fakeAPI(t, map[string]string{
		"/profile":  `{"emailAddress":"me@example.com","historyId":"55"}`,
		"/messages": `{"messages":[{"id":"m1"},{"id":"m2"}]}`,
	})

	out := make(chan string, 16)
	next, err := c.ListChanged(context.Background(), "", out)
	require.NoError(t, err)
	assert.Equal(t, "55", next)
	assert.Equal(t, []string{"m1", "m2"}, drain(out))
}

func TestListChanged_HistorySkipsIDsDeletedInWindow(t *testing.T) {
	// m1 is added early in the window and deleted later in it; fetching
	// it would only 404, so it must not be emitted at all.
	c := fakeAPI(t, map[string]string{
		"/history": `{"history":[
			{"id":"101","messagesAdded":[{"message":{"id":"m1"}}]},
			{"id":"102","messagesAdded":[{"message":{"id":"m2"}}]},
			{"id":"103","labelsAdded":[{"message":{"id":"m3"},"labelIds":["UNREAD"]}]},
			{"id":"104","messagesDeleted":[{"message":{"id":"m1"}}]}
		],"historyId":"104"}`,
	})

	out := make(chan string, 16)
	next, err := c.ListChanged(context.Background(), "100", out)
	require.NoError(t, err)
	assert.Equal(t, "104", next)
	assert.Equal(t, []string{"m2", "m3"}, drain(out))
}

func TestListChanged_HistoryDeduplicatesLabelChurn(t *testing.T) {
	c := fakeAPI(t, map[string]string{
		"/history": `{"history":[
			{"id":"201","messagesAdded":[{"message":{"id":"m1"}}]},
			{"id":"202","labelsAdded":[{"message":{"id":"m1"},"labelIds":["STARRED"]}]},
			{"id":"203","labelsRemoved":[{"message":{"id":"m1"},"labelIds":["UNREAD"]}]}
		],"historyId":"203"}`,
	})

	out := make(chan string, 16)
	next, err := c.ListChanged(context.Background(), "200", out)
	require.NoError(t, err)
	assert.Equal(t, "203", next)
	assert.Equal(t, []string{"m1"}, drain(out))
}

func TestListChanged_ExpiredCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":404,"message":"Start history ID is too old"}}`))
	}))
	t.Cleanup(srv.Close)

	svc, err := gmail.NewService(context.Background(),
		option.WithoutAuthentication(), option.WithEndpoint(srv.URL))
	require.NoError(t, err)
	c := &Client{svc: svc, user: defaultUser}

	out := make(chan string, 1)
	_, err = c.ListChanged(context.Background(), "100", out)
	assert.True(t, errors.Is(err, ErrCursorExpired))
}

func TestListChanged_RejectsMalformedCursor(t *testing.T) {
	c := fakeAPI(t, nil)

	out := make(chan string, 1)
	_, err := c.ListChanged(context.Background(), "not-a-number", out)
	assert.Error(t, err)
}
