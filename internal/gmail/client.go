package gmail

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/mjherich/gmail-to-sqlite/internal/store"
)

const (
	defaultUser = "me"
	pageSize    = 500
)

// Client is the remote message source: it lists identifiers (fully or
// since a history cursor), fetches full message content and enumerates the
// current remote set for deletion reconciliation.
type Client struct {
	svc  *gmail.Service
	user string
}

// New builds a client from an authenticated HTTP client, typically the one
// produced by auth.Credentials.
func New(ctx context.Context, httpClient *http.Client) (*Client, error) {
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return &Client{svc: svc, user: defaultUser}, nil
}

// ListChanged streams message identifiers into out and returns the cursor
// to commit for this pass. since=="" enumerates the whole mailbox; the
// cursor is captured from the profile before enumeration starts, so a crash
// mid-listing can never advance past unfetched messages. A non-empty since
// lists only identifiers touched after that history ID; label-only changes
// are included so read/label drift is picked up. Returns ErrCursorExpired
// when the remote rejects since as too old.
//
// Sends to out block when the channel is full. That is the backpressure
// path: enumeration slows down to the speed of the fetch workers.
func (c *Client) ListChanged(ctx context.Context, since string, out chan<- string) (string, error) {
	if since == "" {
		return c.listAll(ctx, out)
	}
	return c.listHistory(ctx, since, out)
}

func (c *Client) listAll(ctx context.Context, out chan<- string) (string, error) {
	profile, err := c.svc.Users.GetProfile(c.user).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to get profile: %w", err)
	}
	next := strconv.FormatUint(profile.HistoryId, 10)

	call := c.svc.Users.Messages.List(c.user).IncludeSpamTrash(false).MaxResults(pageSize)
	err = call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		for _, m := range page.Messages {
			select {
			case out <- m.Id:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return ctx.Err()
	})
	if err != nil {
		return "", err
	}
	return next, nil
}

func (c *Client) listHistory(ctx context.Context, since string, out chan<- string) (string, error) {
	start, err := strconv.ParseUint(since, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid history ID in cursor %q: %w", since, err)
	}

	latest := start
	var touched []string
	seen := make(map[string]bool)
	removed := make(map[string]bool)

	call := c.svc.Users.History.List(c.user).StartHistoryId(start).MaxResults(pageSize)
	err = call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
		for _, h := range page.History {
			if h.Id > latest {
				latest = h.Id
			}

			for _, r := range h.MessagesAdded {
				if !seen[r.Message.Id] {
					seen[r.Message.Id] = true
					touched = append(touched, r.Message.Id)
				}
			}
			for _, r := range h.LabelsAdded {
				if !seen[r.Message.Id] {
					seen[r.Message.Id] = true
					touched = append(touched, r.Message.Id)
				}
			}
			for _, r := range h.LabelsRemoved {
				if !seen[r.Message.Id] {
					seen[r.Message.Id] = true
					touched = append(touched, r.Message.Id)
				}
			}
			for _, r := range h.MessagesDeleted {
				removed[r.Message.Id] = true
			}
		}
		return ctx.Err()
	})
	if err != nil {
		if isNotFound(err) {
			return "", ErrCursorExpired
		}
		return "", fmt.Errorf("failed to list history: %w", err)
	}

	// Emission waits for the whole window: a message added and then
	// deleted inside it would only 404 on fetch, wherever the delete
	// record lands relative to the add. Windows are incremental, so the
	// buffer stays small.
	for _, id := range touched {
		if removed[id] {
			continue
		}
		select {
		case out <- id:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return strconv.FormatUint(latest, 10), nil
}

// ListAllIDs enumerates every current remote identifier into out. Used only
// by deletion reconciliation.
func (c *Client) ListAllIDs(ctx context.Context, out chan<- string) error {
	call := c.svc.Users.Messages.List(c.user).IncludeSpamTrash(false).MaxResults(pageSize)
	return call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		for _, m := range page.Messages {
			select {
			case out <- m.Id:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return ctx.Err()
	})
}

// Fetch retrieves the full message and transforms it to a storage record.
// Not-found is a permanent FetchError; rate limits and server errors come
// back transient.
func (c *Client) Fetch(ctx context.Context, id string) (*store.MessageRecord, error) {
	msg, err := c.svc.Users.Messages.Get(c.user, id).Format("full").Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return nil, &FetchError{ID: id, Transient: false, Err: err}
		}
		return nil, &FetchError{ID: id, Transient: IsTransient(err), Err: err}
	}

	rec, err := Transform(msg)
	if err != nil {
		// Malformed payloads do not get better on retry.
		return nil, &FetchError{ID: id, Transient: false, Err: err}
	}
	return rec, nil
}
