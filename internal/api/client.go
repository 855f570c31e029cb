package api

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/beaconcrm/beacon-core/internal/entity"
)

// SearchRequest is the payload for the contact search endpoint. Both fields
// are optional; the server combines whatever is present.
type SearchRequest struct {
	NaturalLanguageQuery string   `json:"natural_language_query,omitempty"`
	Tags                 []string `json:"tags,omitempty"`
}

type SendMessageRequest struct {
	Body string `json:"body"`
}

type ScheduleMessageRequest struct {
	ContactID string `json:"contactId"`
	Body      string `json:"body"`
	SendAt    string `json:"sendAt"`
}

// Client is the typed endpoint surface the orchestrator and session manager
// talk to. Implemented by *HTTPClient against the real API and by fakes in
// tests.
type Client interface {
	FetchIdentity(ctx context.Context) (entity.User, error)
	ListContacts(ctx context.Context) ([]entity.Contact, error)
	ListConversations(ctx context.Context) ([]entity.Conversation, error)
	ListScheduledMessages(ctx context.Context) ([]entity.ScheduledMessage, error)
	ListScheduledMessagesFor(ctx context.Context, contactID string) ([]entity.ScheduledMessage, error)
	ListOutreachDrafts(ctx context.Context) ([]entity.OutreachDraft, error)
	ListListings(ctx context.Context) ([]entity.Listing, error)
	GetConversation(ctx context.Context, id string) (entity.Conversation, error)
	GetContact(ctx context.Context, id string) (entity.Contact, error)
	SendMessage(ctx context.Context, conversationID string, req SendMessageRequest) (entity.Conversation, error)
	ScheduleMessage(ctx context.Context, req ScheduleMessageRequest) (entity.ScheduledMessage, error)
	CancelScheduledMessage(ctx context.Context, id string) error
	UpdateContact(ctx context.Context, contact entity.Contact) (entity.Contact, error)
	SearchContacts(ctx context.Context, req SearchRequest) ([]entity.Contact, error)
}

type HTTPClient struct {
	exec *Executor
}

func NewHTTPClient(exec *Executor) *HTTPClient {
	return &HTTPClient{exec: exec}
}

func (c *HTTPClient) FetchIdentity(ctx context.Context) (entity.User, error) {
	var out entity.User
	err := c.exec.Execute(ctx, "GET", "/v1/me", nil, &out)
	return out, err
}

func (c *HTTPClient) ListContacts(ctx context.Context) ([]entity.Contact, error) {
	var out []entity.Contact
	err := c.exec.Execute(ctx, "GET", "/v1/contacts", nil, &out)
	return out, err
}

func (c *HTTPClient) ListConversations(ctx context.Context) ([]entity.Conversation, error) {
	var out []entity.Conversation
	err := c.exec.Execute(ctx, "GET", "/v1/conversations", nil, &out)
	return out, err
}

func (c *HTTPClient) ListScheduledMessages(ctx context.Context) ([]entity.ScheduledMessage, error) {
	var out []entity.ScheduledMessage
	err := c.exec.Execute(ctx, "GET", "/v1/scheduled-messages", nil, &out)
	return out, err
}

func (c *HTTPClient) ListScheduledMessagesFor(ctx context.Context, contactID string) ([]entity.ScheduledMessage, error) {
	q := url.Values{}
	q.Set("contactId", strings.TrimSpace(contactID))
	var out []entity.ScheduledMessage
	err := c.exec.Execute(ctx, "GET", "/v1/scheduled-messages?"+q.Encode(), nil, &out)
	return out, err
}

func (c *HTTPClient) ListOutreachDrafts(ctx context.Context) ([]entity.OutreachDraft, error) {
	var out []entity.OutreachDraft
	err := c.exec.Execute(ctx, "GET", "/v1/outreach/campaigns", nil, &out)
	return out, err
}

func (c *HTTPClient) ListListings(ctx context.Context) ([]entity.Listing, error) {
	var out []entity.Listing
	err := c.exec.Execute(ctx, "GET", "/v1/listings", nil, &out)
	return out, err
}

func (c *HTTPClient) GetConversation(ctx context.Context, id string) (entity.Conversation, error) {
	var out entity.Conversation
	err := c.exec.Execute(ctx, "GET", "/v1/conversations/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *HTTPClient) GetContact(ctx context.Context, id string) (entity.Contact, error) {
	var out entity.Contact
	err := c.exec.Execute(ctx, "GET", "/v1/contacts/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *HTTPClient) SendMessage(ctx context.Context, conversationID string, req SendMessageRequest) (entity.Conversation, error) {
	var out entity.Conversation
	path := fmt.Sprintf("/v1/conversations/%s/messages", url.PathEscape(conversationID))
	err := c.exec.Execute(ctx, "POST", path, req, &out)
	return out, err
}

func (c *HTTPClient) ScheduleMessage(ctx context.Context, req ScheduleMessageRequest) (entity.ScheduledMessage, error) {
	var out entity.ScheduledMessage
	err := c.exec.Execute(ctx, "POST", "/v1/scheduled-messages", req, &out)
	return out, err
}

func (c *HTTPClient) CancelScheduledMessage(ctx context.Context, id string) error {
	return c.exec.Execute(ctx, "DELETE", "/v1/scheduled-messages/"+url.PathEscape(id), nil, nil)
}

func (c *HTTPClient) UpdateContact(ctx context.Context, contact entity.Contact) (entity.Contact, error) {
	var out entity.Contact
	err := c.exec.Execute(ctx, "PUT", "/v1/contacts/"+url.PathEscape(contact.ID), contact, &out)
	return out, err
}

func (c *HTTPClient) SearchContacts(ctx context.Context, req SearchRequest) ([]entity.Contact, error) {
	var out []entity.Contact
	err := c.exec.Execute(ctx, "POST", "/v1/contacts/search", req, &out)
	return out, err
}
