// Package syncer coordinates the three synchronization flows between the API
// and the entity store: full refresh, scoped refresh, and optimistic
// mutation.
package syncer

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/beaconcrm/beacon-core/internal/api"
	"github.com/beaconcrm/beacon-core/internal/entity"
	"github.com/beaconcrm/beacon-core/internal/store"
)

type Orchestrator struct {
	client api.Client
	store  *store.Store
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewOrchestrator(client api.Client, st *store.Store, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		client: client,
		store:  st,
		logger: logger,
		locks:  map[string]*sync.Mutex{},
	}
}

// RefreshAll fans out one fetch per collection and replaces each successfully
// fetched collection. Endpoints settle independently: a failing one is logged
// and its collection keeps its prior value. RefreshAll itself never fails.
func (o *Orchestrator) RefreshAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range entity.Collections() {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.RefreshCollection(ctx, name); err != nil {
				o.logger.Warn().Err(err).Str("collection", string(name)).
					Msg("refresh failed, keeping prior data")
			}
		}()
	}
	wg.Wait()
}

// RefreshCollection re-fetches one collection and swaps in the full new
// membership. A completion that lands after a store reset is discarded.
func (o *Orchestrator) RefreshCollection(ctx context.Context, name entity.Collection) error {
	sinceGen := o.store.Generation()
	records, err := o.fetchCollection(ctx, name)
	if err != nil {
		return err
	}
	if !o.store.ReplaceCollectionIfCurrent(name, records, sinceGen) {
		o.logger.Debug().Str("collection", string(name)).Msg("discarding collection refresh after reset")
	}
	return nil
}

// RefreshConversation re-fetches a single conversation. A completion that
// arrives after a newer write to the same conversation is discarded.
func (o *Orchestrator) RefreshConversation(ctx context.Context, id string) error {
	unlock := o.lockEntity(entity.Conversations, id)
	defer unlock()
	since := o.store.Stamp(entity.Conversations, id)
	conversation, err := o.client.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if _, ok := o.store.UpsertIfCurrent(entity.Conversations, conversation, since); !ok {
		o.logger.Debug().Str("conversation", id).Msg("discarding stale conversation refresh")
	}
	return nil
}

// RefreshContact re-fetches a single contact.
func (o *Orchestrator) RefreshContact(ctx context.Context, id string) error {
	unlock := o.lockEntity(entity.Contacts, id)
	defer unlock()
	since := o.store.Stamp(entity.Contacts, id)
	contact, err := o.client.GetContact(ctx, id)
	if err != nil {
		return err
	}
	if _, ok := o.store.UpsertIfCurrent(entity.Contacts, contact, since); !ok {
		o.logger.Debug().Str("contact", id).Msg("discarding stale contact refresh")
	}
	return nil
}

// RefreshScheduledMessagesFor re-fetches one contact's scheduled messages and
// reconciles just that slice of the collection: messages for other contacts
// are untouched, and the whole reconcile lands as one notification.
func (o *Orchestrator) RefreshScheduledMessagesFor(ctx context.Context, contactID string) error {
	unlock := o.lockEntity(entity.ScheduledMessages, "contact/"+contactID)
	defer unlock()
	sinceGen := o.store.Generation()
	fetched, err := o.client.ListScheduledMessagesFor(ctx, contactID)
	if err != nil {
		return err
	}
	present := make(map[string]struct{}, len(fetched))
	upserts := make([]entity.Record, 0, len(fetched))
	for _, msg := range fetched {
		present[msg.ID] = struct{}{}
		upserts = append(upserts, msg)
	}
	var removeIDs []string
	for _, rec := range o.store.Collection(entity.ScheduledMessages) {
		msg, ok := rec.(entity.ScheduledMessage)
		if !ok || msg.ContactID != contactID {
			continue
		}
		if _, ok := present[msg.ID]; !ok {
			removeIDs = append(removeIDs, msg.ID)
		}
	}
	if !o.store.Apply(entity.ScheduledMessages, upserts, removeIDs, sinceGen) {
		o.logger.Debug().Str("contact", contactID).Msg("discarding scheduled-message refresh after reset")
	}
	return nil
}

// SearchContacts queries the natural-language/tag search endpoint and folds
// the results into the contacts collection without disturbing the rest of it.
func (o *Orchestrator) SearchContacts(ctx context.Context, query string, tags []string) ([]entity.Contact, error) {
	sinceGen := o.store.Generation()
	results, err := o.client.SearchContacts(ctx, api.SearchRequest{
		NaturalLanguageQuery: query,
		Tags:                 tags,
	})
	if err != nil {
		return nil, err
	}
	upserts := make([]entity.Record, 0, len(results))
	for _, contact := range results {
		upserts = append(upserts, contact)
	}
	o.store.Apply(entity.Contacts, upserts, nil, sinceGen)
	return results, nil
}

func (o *Orchestrator) fetchCollection(ctx context.Context, name entity.Collection) ([]entity.Record, error) {
	switch name {
	case entity.Contacts:
		items, err := o.client.ListContacts(ctx)
		return toRecords(items), err
	case entity.Conversations:
		items, err := o.client.ListConversations(ctx)
		return toRecords(items), err
	case entity.ScheduledMessages:
		items, err := o.client.ListScheduledMessages(ctx)
		return toRecords(items), err
	case entity.OutreachDrafts:
		items, err := o.client.ListOutreachDrafts(ctx)
		return toRecords(items), err
	case entity.Listings:
		items, err := o.client.ListListings(ctx)
		return toRecords(items), err
	default:
		return nil, &api.ClientError{StatusCode: 404, Message: "unknown collection: " + string(name)}
	}
}

func toRecords[T entity.Record](items []T) []entity.Record {
	if items == nil {
		return nil
	}
	out := make([]entity.Record, 0, len(items))
	for _, item := range items {
		out = append(out, item)
	}
	return out
}

// lockEntity serializes mutations and scoped refreshes that target the same
// entity id, so they settle in invocation order.
func (o *Orchestrator) lockEntity(name entity.Collection, id string) func() {
	key := string(name) + "/" + id
	o.mu.Lock()
	lock := o.locks[key]
	if lock == nil {
		lock = &sync.Mutex{}
		o.locks[key] = lock
	}
	o.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}
