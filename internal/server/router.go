// Package server contains the stateless routing logic that turns an inbound
// frame plus a room snapshot into a set of per-recipient deliveries.
package server

import "time"

// Delivery pairs one recipient with the payload to hand to its write pump.
type Delivery struct {
	Recipient *Session
	Payload   []byte
}

// routeMessage builds the outbound chat frame for an inbound message and
// selects its recipients from the snapshot.
//
// With recipient_id set, only the matching active session receives the frame;
// no match means the message is silently dropped, never an error toward the
// sender. Without recipient_id the frame goes to every other active session.
// The sender is never a recipient of its own message.
//
// The returned envelope is what actually went on the wire, so the caller can
// append it to the room's recent log.
func routeMessage(snap roomSnapshot, sender *Session, inbound *Envelope) ([]Delivery, *Envelope, error) {
	outbound := &Envelope{
		Type:            TypeMessage,
		SenderID:        sender.ID,
		Encrypted:       inbound.Encrypted,
		Nonce:           inbound.Nonce,
		Signature:       inbound.Signature,
		EphemeralKey:    inbound.EphemeralKey,
		SenderPublicKey: sender.publicKey,
		Timestamp:       time.Now().Unix(),
	}

	payload, err := encodeEnvelope(outbound)
	if err != nil {
		return nil, nil, err
	}

	if inbound.RecipientID != "" {
		for _, peer := range activePeers(snap, sender) {
			if peer.ID == inbound.RecipientID {
				return []Delivery{{Recipient: peer, Payload: payload}}, outbound, nil
			}
		}
		return nil, outbound, nil
	}

	return broadcast(snap, sender, payload), outbound, nil
}

// routeTyping fans a typing indicator out to every other active session.
func routeTyping(snap roomSnapshot, sender *Session, inbound *Envelope) ([]Delivery, error) {
	outbound := &Envelope{
		Type:     TypeTyping,
		UserID:   sender.ID,
		IsTyping: inbound.IsTyping,
	}

	payload, err := encodeEnvelope(outbound)
	if err != nil {
		return nil, err
	}

	return broadcast(snap, sender, payload), nil
}

// routeNotification fans a user_joined or user_left frame out to every active
// session other than the subject. Used by the lifecycle on handshake
// completion and on departure.
func routeNotification(snap roomSnapshot, subject *Session, outbound *Envelope) ([]Delivery, error) {
	payload, err := encodeEnvelope(outbound)
	if err != nil {
		return nil, err
	}

	return broadcast(snap, subject, payload), nil
}

func broadcast(snap roomSnapshot, sender *Session, payload []byte) []Delivery {
	peers := activePeers(snap, sender)
	deliveries := make([]Delivery, 0, len(peers))
	for _, peer := range peers {
		deliveries = append(deliveries, Delivery{Recipient: peer, Payload: payload})
	}
	return deliveries
}

// activePeers filters the snapshot down to active sessions other than sender.
// Sessions still in the handshake and sessions already closing receive
// nothing.
func activePeers(snap roomSnapshot, sender *Session) []*Session {
	peers := make([]*Session, 0, len(snap.sessions))
	for _, s := range snap.sessions {
		if s == sender {
			continue
		}
		if s.State() != StateActive {
			continue
		}
		peers = append(peers, s)
	}
	return peers
}
