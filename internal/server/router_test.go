package server

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeTestSession(t *testing.T, publicKey string) *Session {
	t.Helper()
	sess := newTestSession(t, "AB12CD")
	sess.publicKey = publicKey
	sess.setState(StateActive)
	return sess
}

func decodeDelivery(t *testing.T, d Delivery) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(d.Payload, &env))
	return env
}

func TestRouteMessageBroadcastExcludesSender(t *testing.T) {
	sender := activeTestSession(t, "senderkey-senderkey-senderkey-senderkey!")
	peerA := activeTestSession(t, "peerakey")
	peerB := activeTestSession(t, "peerbkey")

	snap := roomSnapshot{sessions: []*Session{sender, peerA, peerB}}
	inbound := &Envelope{Type: TypeMessage, Encrypted: "Zm9v", Nonce: "00000000000000000000000000000000"}

	deliveries, outbound, err := routeMessage(snap, sender, inbound)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)

	recipients := map[string]bool{}
	for _, d := range deliveries {
		recipients[d.Recipient.ID] = true

		env := decodeDelivery(t, d)
		assert.Equal(t, TypeMessage, env.Type)
		assert.Equal(t, sender.ID, env.SenderID)
		assert.Equal(t, "Zm9v", env.Encrypted)
		assert.Equal(t, "00000000000000000000000000000000", env.Nonce)
		assert.Equal(t, sender.publicKey, env.SenderPublicKey)
		assert.NotZero(t, env.Timestamp)
	}

	assert.False(t, recipients[sender.ID], "sender must never receive its own message")
	assert.True(t, recipients[peerA.ID])
	assert.True(t, recipients[peerB.ID])
	assert.Equal(t, sender.ID, outbound.SenderID)
}

func TestRouteMessageDirectDelivery(t *testing.T) {
	sender := activeTestSession(t, "senderkey")
	target := activeTestSession(t, "targetkey")
	other := activeTestSession(t, "otherkey")

	snap := roomSnapshot{sessions: []*Session{sender, target, other}}
	inbound := &Envelope{
		Type:        TypeMessage,
		Encrypted:   "Zm9v",
		Nonce:       "00000000000000000000000000000000",
		RecipientID: target.ID,
	}

	deliveries, _, err := routeMessage(snap, sender, inbound)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, target.ID, deliveries[0].Recipient.ID)
}

func TestRouteMessageUnknownRecipientDropsSilently(t *testing.T) {
	sender := activeTestSession(t, "senderkey")
	peer := activeTestSession(t, "peerkey")

	snap := roomSnapshot{sessions: []*Session{sender, peer}}
	inbound := &Envelope{
		Type:        TypeMessage,
		Encrypted:   "Zm9v",
		Nonce:       "00000000000000000000000000000000",
		RecipientID: "deadbeef",
	}

	deliveries, outbound, err := routeMessage(snap, sender, inbound)
	require.NoError(t, err)
	assert.Empty(t, deliveries)
	assert.NotNil(t, outbound, "a dropped message still reaches the room log")
}

func TestRouteMessageSkipsInactiveSessions(t *testing.T) {
	sender := activeTestSession(t, "senderkey")
	pending := newTestSession(t, "AB12CD")
	pending.setState(StateAwaitingInit)
	closing := activeTestSession(t, "closingkey")
	closing.setState(StateClosing)
	active := activeTestSession(t, "activekey")

	snap := roomSnapshot{sessions: []*Session{sender, pending, closing, active}}
	inbound := &Envelope{Type: TypeMessage, Encrypted: "Zm9v", Nonce: "00000000000000000000000000000000"}

	deliveries, _, err := routeMessage(snap, sender, inbound)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, active.ID, deliveries[0].Recipient.ID)
}

func TestRouteTyping(t *testing.T) {
	sender := activeTestSession(t, "senderkey")
	peer := activeTestSession(t, "peerkey")

	typing := true
	snap := roomSnapshot{sessions: []*Session{sender, peer}}

	deliveries, err := routeTyping(snap, sender, &Envelope{Type: TypeTyping, IsTyping: &typing})
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	env := decodeDelivery(t, deliveries[0])
	assert.Equal(t, TypeTyping, env.Type)
	assert.Equal(t, sender.ID, env.UserID)
	require.NotNil(t, env.IsTyping)
	assert.True(t, *env.IsTyping)
}

func TestRouteNotification(t *testing.T) {
	subject := activeTestSession(t, "subjectkey")
	peerA := activeTestSession(t, "peerakey")
	peerB := activeTestSession(t, "peerbkey")

	snap := roomSnapshot{sessions: []*Session{subject, peerA, peerB}}
	left := &Envelope{Type: TypeUserLeft, UserID: subject.ID}

	deliveries, err := routeNotification(snap, subject, left)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)

	for _, d := range deliveries {
		assert.NotEqual(t, subject.ID, d.Recipient.ID)
		env := decodeDelivery(t, d)
		assert.Equal(t, TypeUserLeft, env.Type)
		assert.Equal(t, subject.ID, env.UserID)
	}
}
