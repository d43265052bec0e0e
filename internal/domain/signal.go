package domain

import (
	"encoding/json"
	"fmt"
)

// PeerID identifies a remote participant within a signaling scope.
type PeerID string

func (id PeerID) String() string { return string(id) }

// SdpKind distinguishes the two halves of an SDP exchange.
type SdpKind int

const (
	SdpOffer SdpKind = iota
	SdpAnswer
)

// String returns the wire representation used by every signaling
// server we talk to ("offer" / "answer").
func (k SdpKind) String() string {
	switch k {
	case SdpOffer:
		return "offer"
	case SdpAnswer:
		return "answer"
	default:
		return "unknown"
	}
}

func ParseSdpKind(s string) (SdpKind, error) {
	switch s {
	case "offer":
		return SdpOffer, nil
	case "answer":
		return SdpAnswer, nil
	default:
		return 0, fmt.Errorf("unsupported sdp type %q", s)
	}
}

func (k SdpKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *SdpKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	kind, err := ParseSdpKind(s)
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// NegotiationRole is fixed at session creation. An initiator starts
// negotiation itself when the engine signals it is needed; a responder
// only reacts to received offers.
type NegotiationRole int

const (
	RoleInitiator NegotiationRole = iota
	RoleResponder
)

func (r NegotiationRole) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// ParseNegotiationRole maps the persisted role name back to its value.
// Unknown names fall back to responder, the safe default.
func ParseNegotiationRole(s string) (NegotiationRole, bool) {
	switch s {
	case "initiator":
		return RoleInitiator, true
	case "responder":
		return RoleResponder, true
	default:
		return RoleResponder, false
	}
}

// IceCandidate is an immutable trickle-ICE value. Mid is optional;
// some signaling servers send only the media-line index.
type IceCandidate struct {
	MLineIndex uint16 `json:"sdpMLineIndex"`
	Candidate  string `json:"candidate"`
	Mid        string `json:"sdpMid,omitempty"`
}

// SignalMessage is the JSON wire shape exchanged over websocket
// signaling channels.
type SignalMessage struct {
	Type      string         `json:"type"` // "offer", "answer", "ice-candidate", "joined", "peer-left", "chat"
	SDP       string         `json:"sdp,omitempty"`
	Candidate *IceCandidate  `json:"candidate,omitempty"`
	Room      string         `json:"room,omitempty"`
	SenderID  string         `json:"sender_id,omitempty"`
	TargetID  string         `json:"target_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}
