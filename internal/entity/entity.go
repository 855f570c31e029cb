// Package entity defines the domain records cached by the client core and the
// collection names they live under. Records are replaced wholesale on every
// write; nothing in the core ever merges partial fields.
package entity

// Collection names a keyed set of one domain type held by the store.
type Collection string

const (
	Contacts          Collection = "contacts"
	Conversations     Collection = "conversations"
	ScheduledMessages Collection = "scheduled_messages"
	OutreachDrafts    Collection = "outreach_drafts"
	Listings          Collection = "listings"
)

// Collections lists every collection the store tracks, in refresh order.
func Collections() []Collection {
	return []Collection{Contacts, Conversations, ScheduledMessages, OutreachDrafts, Listings}
}

// Record is implemented by every cached domain type.
type Record interface {
	EntityID() string
}

type Contact struct {
	ID        string   `json:"id"`
	FirstName string   `json:"firstName"`
	LastName  string   `json:"lastName"`
	Email     string   `json:"email,omitempty"`
	Phone     string   `json:"phone,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Stage     string   `json:"stage,omitempty"`
	UpdatedAt string   `json:"updatedAt,omitempty"`
}

func (c Contact) EntityID() string { return c.ID }

type Message struct {
	ID        string `json:"id"`
	Direction string `json:"direction"`
	Body      string `json:"body"`
	SentAt    string `json:"sentAt,omitempty"`
	Pending   bool   `json:"pending,omitempty"`
}

type Conversation struct {
	ID            string    `json:"id"`
	ContactID     string    `json:"contactId"`
	Channel       string    `json:"channel,omitempty"`
	Messages      []Message `json:"messages,omitempty"`
	LastMessageAt string    `json:"lastMessageAt,omitempty"`
	Unread        int       `json:"unread,omitempty"`
}

func (c Conversation) EntityID() string { return c.ID }

type ScheduledMessage struct {
	ID        string `json:"id"`
	ContactID string `json:"contactId"`
	Body      string `json:"body"`
	SendAt    string `json:"sendAt"`
	Status    string `json:"status,omitempty"`
}

func (m ScheduledMessage) EntityID() string { return m.ID }

// OutreachDraft is a server-generated campaign briefing: an AI-drafted batch of
// outreach content awaiting review. The core only caches it.
type OutreachDraft struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Body       string   `json:"body,omitempty"`
	ContactIDs []string `json:"contactIds,omitempty"`
	Status     string   `json:"status,omitempty"`
	CreatedAt  string   `json:"createdAt,omitempty"`
}

func (d OutreachDraft) EntityID() string { return d.ID }

type Listing struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Price   int64  `json:"price,omitempty"`
	Status  string `json:"status,omitempty"`
	MLSID   string `json:"mlsId,omitempty"`
}

func (l Listing) EntityID() string { return l.ID }

type OnboardingProgress struct {
	Step      int  `json:"step"`
	Connected bool `json:"connected"`
	Imported  bool `json:"imported"`
}

// User is the authenticated identity. It is owned by the session manager and
// replaced wholesale on every identity refresh.
type User struct {
	ID                 string             `json:"id"`
	Email              string             `json:"email"`
	Name               string             `json:"name,omitempty"`
	Plan               string             `json:"plan,omitempty"`
	OnboardingComplete bool               `json:"onboardingComplete"`
	Onboarding         OnboardingProgress `json:"onboarding"`
}
