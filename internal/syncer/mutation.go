package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/beaconcrm/beacon-core/internal/api"
	"github.com/beaconcrm/beacon-core/internal/entity"
	"github.com/beaconcrm/beacon-core/internal/store"
)

// mutation is one optimistic write: the speculative value goes into the store
// immediately, the prior value is kept for rollback, and the stamp taken at
// the speculative write guards confirm and rollback against anything that
// moved the entity afterwards (a logout reset in particular).
type mutation struct {
	collection   entity.Collection
	entityID     string
	prior        entity.Record
	priorExisted bool
	stamp        store.Stamp
}

func (o *Orchestrator) beginMutation(name entity.Collection, speculative entity.Record) *mutation {
	id := speculative.EntityID()
	prior, existed := o.store.Lookup(name, id)
	stamp := o.store.Upsert(name, speculative)
	return &mutation{
		collection:   name,
		entityID:     id,
		prior:        prior,
		priorExisted: existed,
		stamp:        stamp,
	}
}

// confirm replaces the speculative entity with the server-confirmed one,
// which may carry a different (server-assigned) id. Discarded when the
// entity moved since the speculative write.
func (m *mutation) confirm(st *store.Store, confirmed entity.Record) {
	if confirmed.EntityID() == m.entityID {
		st.UpsertIfCurrent(m.collection, confirmed, m.stamp)
		return
	}
	// Server assigned a new id: retire the provisional entity and insert the
	// confirmed one as one batch, so listeners never observe the entity
	// absent between the two. The provisional id is process-private, so the
	// generation guard alone suffices.
	st.Apply(m.collection, []entity.Record{confirmed}, []string{m.entityID}, m.stamp.Generation)
}

// rollback restores the entity's last-known-good value.
func (m *mutation) rollback(st *store.Store) {
	if m.priorExisted {
		st.UpsertIfCurrent(m.collection, m.prior, m.stamp)
		return
	}
	st.RemoveIfCurrent(m.collection, m.entityID, m.stamp)
}

// SendMessage optimistically appends an outbound message to a conversation,
// then reconciles with the server's confirmed conversation. On failure the
// conversation reverts and the error propagates.
func (o *Orchestrator) SendMessage(ctx context.Context, conversationID, body string) (entity.Conversation, error) {
	unlock := o.lockEntity(entity.Conversations, conversationID)
	defer unlock()

	speculative := entity.Conversation{ID: conversationID}
	if prior, ok := o.store.Lookup(entity.Conversations, conversationID); ok {
		speculative = prior.(entity.Conversation)
		speculative.Messages = append([]entity.Message(nil), speculative.Messages...)
	}
	speculative.Messages = append(speculative.Messages, entity.Message{
		ID:        "pending_" + uuid.NewString(),
		Direction: "outbound",
		Body:      body,
		SentAt:    time.Now().UTC().Format(time.RFC3339),
		Pending:   true,
	})
	speculative.LastMessageAt = time.Now().UTC().Format(time.RFC3339)

	m := o.beginMutation(entity.Conversations, speculative)
	confirmed, err := o.client.SendMessage(ctx, conversationID, api.SendMessageRequest{Body: body})
	if err != nil {
		m.rollback(o.store)
		return entity.Conversation{}, err
	}
	m.confirm(o.store, confirmed)
	return confirmed, nil
}

// ScheduleMessage optimistically inserts a scheduled message under a
// provisional id; the confirmed entity arrives with the server-assigned id
// and replaces it.
func (o *Orchestrator) ScheduleMessage(ctx context.Context, contactID, body, sendAt string) (entity.ScheduledMessage, error) {
	provisionalID := "pending_" + uuid.NewString()
	unlock := o.lockEntity(entity.ScheduledMessages, provisionalID)
	defer unlock()

	speculative := entity.ScheduledMessage{
		ID:        provisionalID,
		ContactID: contactID,
		Body:      body,
		SendAt:    sendAt,
		Status:    "pending",
	}
	m := o.beginMutation(entity.ScheduledMessages, speculative)
	confirmed, err := o.client.ScheduleMessage(ctx, api.ScheduleMessageRequest{
		ContactID: contactID,
		Body:      body,
		SendAt:    sendAt,
	})
	if err != nil {
		m.rollback(o.store)
		return entity.ScheduledMessage{}, err
	}
	m.confirm(o.store, confirmed)
	return confirmed, nil
}

// CancelScheduledMessage optimistically removes the message and restores it
// if the server refuses the cancellation.
func (o *Orchestrator) CancelScheduledMessage(ctx context.Context, id string) error {
	unlock := o.lockEntity(entity.ScheduledMessages, id)
	defer unlock()

	prior, existed := o.store.Lookup(entity.ScheduledMessages, id)
	o.store.Remove(entity.ScheduledMessages, id)
	stamp := o.store.Stamp(entity.ScheduledMessages, id)

	if err := o.client.CancelScheduledMessage(ctx, id); err != nil {
		if existed {
			o.store.UpsertIfCurrent(entity.ScheduledMessages, prior, stamp)
		}
		return err
	}
	return nil
}

// UpdateContact optimistically overwrites a contact with the complete new
// value and reconciles with the server's copy.
func (o *Orchestrator) UpdateContact(ctx context.Context, contact entity.Contact) (entity.Contact, error) {
	unlock := o.lockEntity(entity.Contacts, contact.ID)
	defer unlock()

	m := o.beginMutation(entity.Contacts, contact)
	confirmed, err := o.client.UpdateContact(ctx, contact)
	if err != nil {
		m.rollback(o.store)
		return entity.Contact{}, err
	}
	m.confirm(o.store, confirmed)
	return confirmed, nil
}

// AddContactTag appends a tag to a cached contact. The contact must be in the
// cache; tag edits always submit the complete resulting contact.
func (o *Orchestrator) AddContactTag(ctx context.Context, contactID, tag string) (entity.Contact, error) {
	rec, ok := o.store.Lookup(entity.Contacts, contactID)
	if !ok {
		return entity.Contact{}, fmt.Errorf("contact %s not in cache", contactID)
	}
	contact := rec.(entity.Contact)
	for _, existing := range contact.Tags {
		if existing == tag {
			return contact, nil
		}
	}
	contact.Tags = append(append([]string(nil), contact.Tags...), tag)
	return o.UpdateContact(ctx, contact)
}
