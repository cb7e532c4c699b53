package client

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-resty/resty/v2"

	"yuim/im-relay/pkg/client/reconcile"
	"yuim/im-relay/pkg/protocol"
)

type apiError struct {
	Error string `json:"error"`
}

type historyPage struct {
	ConversationID string             `json:"conversationId"`
	Messages       []protocol.Message `json:"messages"`
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetAuthToken(c.currentToken()).
		SetError(&apiError{})
}

func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("client: request failed: %w", err)
	}
	if resp.IsError() {
		reason := resp.Status()
		if e, ok := resp.Error().(*apiError); ok && e.Error != "" {
			reason = e.Error
		}
		return &Error{Status: resp.StatusCode(), Reason: reason}
	}
	return nil
}

// History fetches one page of the conversation with peer, newest first, and
// merges it into the conversation store. before is an exclusive server id
// cursor; zero starts from the newest message.
func (c *Client) History(ctx context.Context, peer, before int64, limit int) ([]protocol.Message, error) {
	if peer <= 0 || peer == c.opt.Identity {
		return nil, ErrInvalidReceiver
	}
	req := c.request(ctx).SetPathParam("peer", strconv.FormatInt(peer, 10))
	if before > 0 {
		req.SetQueryParam("before", strconv.FormatInt(before, 10))
	}
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	var page historyPage
	resp, err := req.SetResult(&page).Get("/v1/conversations/{peer}/messages")
	if err := checkResponse(resp, err); err != nil {
		return nil, err
	}

	evs := make([]reconcile.Event, 0, len(page.Messages))
	for i := len(page.Messages) - 1; i >= 0; i-- {
		evs = append(evs, reconcile.Incoming(page.Messages[i]))
	}
	c.Conversation(peer).ApplyAll(evs)
	for _, m := range page.Messages {
		c.receipt(m)
	}
	return page.Messages, nil
}

// Unsend retracts one of the caller's messages for both participants.
func (c *Client) Unsend(ctx context.Context, messageID int64) error {
	var out protocol.MessageUnsent
	resp, err := c.request(ctx).
		SetPathParam("id", strconv.FormatInt(messageID, 10)).
		SetResult(&out).
		Post("/v1/messages/{id}/unsend")
	if err := checkResponse(resp, err); err != nil {
		return err
	}
	if s, ok := c.conversationByID(out.ConversationID); ok {
		s.Apply(reconcile.Unsent(out.MessageID))
	}
	return nil
}

// DeleteForMe hides a message for the caller on every device.
func (c *Client) DeleteForMe(ctx context.Context, messageID int64) error {
	var out protocol.MessageDeleted
	resp, err := c.request(ctx).
		SetPathParam("id", strconv.FormatInt(messageID, 10)).
		SetResult(&out).
		Post("/v1/messages/{id}/delete-for-me")
	if err := checkResponse(resp, err); err != nil {
		return err
	}
	if s, ok := c.conversationByID(out.ConversationID); ok {
		s.Apply(reconcile.Deleted(out.MessageID))
	}
	return nil
}

// Presence asks the relay for uid's status, including last seen when
// offline.
func (c *Client) Presence(ctx context.Context, uid int64) (protocol.UserStatusChange, error) {
	var out protocol.UserStatusChange
	resp, err := c.request(ctx).
		SetPathParam("identity", strconv.FormatInt(uid, 10)).
		SetResult(&out).
		Get("/v1/presence/{identity}")
	if err := checkResponse(resp, err); err != nil {
		return protocol.UserStatusChange{}, err
	}
	return out, nil
}
