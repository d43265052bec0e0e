// Package transport normalizes signaling wire formats into typed
// domain events and back. Two wire layers exist: JSON signal bodies,
// and the plain-text room framing used by the external room signaling
// server (HELLO / ROOM / ROOM_PEER_MSG ...).
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/telemir/signalmesh/internal/domain"
)

var (
	ErrMalformedSignal = errors.New("malformed signal")
	ErrMalformedFrame  = errors.New("malformed room frame")
)

// jsonSignal is the superset of both JSON wire shapes:
//
//	{"type":"offer"|"answer","sdp":"..."}
//	{"candidate":"...","sdpMLineIndex":0,"sdpMid":"0"}
type jsonSignal struct {
	Type          string  `json:"type,omitempty"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	SDPMid        string  `json:"sdpMid,omitempty"`
}

// DecodeSignal parses a JSON signal body received from peer.
func DecodeSignal(from domain.PeerID, data []byte) (domain.Event, error) {
	var msg jsonSignal
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}

	if msg.Candidate != "" {
		var mline uint16
		if msg.SDPMLineIndex != nil {
			mline = *msg.SDPMLineIndex
		}
		return domain.RemoteICE{
			From: from,
			Candidate: domain.IceCandidate{
				MLineIndex: mline,
				Candidate:  msg.Candidate,
				Mid:        msg.SDPMid,
			},
		}, nil
	}

	if msg.SDP != "" {
		kind, err := domain.ParseSdpKind(msg.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
		}
		return domain.RemoteSDP{From: from, Kind: kind, SDP: msg.SDP}, nil
	}

	return nil, fmt.Errorf("%w: neither sdp nor candidate present", ErrMalformedSignal)
}

// EncodeSignal serializes an outbound event into its JSON wire shape.
func EncodeSignal(ev domain.Event) ([]byte, error) {
	switch e := ev.(type) {
	case domain.LocalSDP:
		return json.Marshal(jsonSignal{Type: e.Kind.String(), SDP: e.SDP})
	case domain.LocalICE:
		mline := e.Candidate.MLineIndex
		return json.Marshal(jsonSignal{
			Candidate:     e.Candidate.Candidate,
			SDPMLineIndex: &mline,
			SDPMid:        e.Candidate.Mid,
		})
	default:
		return nil, fmt.Errorf("event %T is not wire-encodable", ev)
	}
}

// FrameKind enumerates the room server's plain-text commands.
type FrameKind int

const (
	FrameHello FrameKind = iota
	FrameRoomOK
	FramePeerMsg
	FramePeerJoined
	FramePeerLeft
	FrameError
)

// Frame is one parsed line of room server traffic.
type Frame struct {
	Kind    FrameKind
	Peer    domain.PeerID
	Peers   []domain.PeerID // ROOM_OK: members already present
	Payload string          // ROOM_PEER_MSG: JSON body; ERROR: text
}

// ParseFrame decodes one line received from the room server.
func ParseFrame(line string) (Frame, error) {
	line = strings.TrimSpace(line)

	switch {
	case line == "HELLO":
		return Frame{Kind: FrameHello}, nil

	case line == "ROOM_OK" || strings.HasPrefix(line, "ROOM_OK "):
		frame := Frame{Kind: FrameRoomOK}
		for _, id := range strings.Fields(strings.TrimPrefix(line, "ROOM_OK")) {
			frame.Peers = append(frame.Peers, domain.PeerID(id))
		}
		return frame, nil

	case strings.HasPrefix(line, "ROOM_PEER_MSG "):
		rest := strings.TrimPrefix(line, "ROOM_PEER_MSG ")
		peer, payload, ok := strings.Cut(rest, " ")
		if !ok || peer == "" {
			return Frame{}, fmt.Errorf("%w: %q", ErrMalformedFrame, line)
		}
		return Frame{Kind: FramePeerMsg, Peer: domain.PeerID(peer), Payload: payload}, nil

	case strings.HasPrefix(line, "ROOM_PEER_JOINED "):
		return Frame{Kind: FramePeerJoined, Peer: domain.PeerID(strings.TrimPrefix(line, "ROOM_PEER_JOINED "))}, nil

	case strings.HasPrefix(line, "ROOM_PEER_LEFT "):
		return Frame{Kind: FramePeerLeft, Peer: domain.PeerID(strings.TrimPrefix(line, "ROOM_PEER_LEFT "))}, nil

	case strings.HasPrefix(line, "ERROR"):
		return Frame{Kind: FrameError, Payload: strings.TrimSpace(strings.TrimPrefix(line, "ERROR"))}, nil

	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrMalformedFrame, line)
	}
}

// FormatHello greets the room server with our ID.
func FormatHello(id string) string { return "HELLO " + id }

// FormatRoomJoin asks to join a room.
func FormatRoomJoin(room string) string { return "ROOM " + room }

// FormatPeerMessage addresses a JSON signal body to one room member.
func FormatPeerMessage(peer domain.PeerID, payload []byte) string {
	return fmt.Sprintf("ROOM_PEER_MSG %s %s", peer, payload)
}
