package domain

// Event is a typed signaling event after the transport adapter has
// normalized the wire format. Inbound events carry the remote peer
// they came from; outbound events carry the remote peer they are
// addressed to. Peer() is the routing key in both directions.
type Event interface {
	Peer() PeerID
}

// RemoteSDP is an offer or answer received from a remote peer.
type RemoteSDP struct {
	From PeerID
	Kind SdpKind
	SDP  string
}

func (e RemoteSDP) Peer() PeerID { return e.From }

// RemoteICE is a trickle-ICE candidate received from a remote peer.
type RemoteICE struct {
	From      PeerID
	Candidate IceCandidate
}

func (e RemoteICE) Peer() PeerID { return e.From }

// PeerJoined announces a new participant in the signaling scope.
type PeerJoined struct {
	From PeerID
}

func (e PeerJoined) Peer() PeerID { return e.From }

// PeerLeft announces a departed participant.
type PeerLeft struct {
	From PeerID
}

func (e PeerLeft) Peer() PeerID { return e.From }

// LocalSDP is a locally created offer or answer addressed to a remote peer.
type LocalSDP struct {
	To   PeerID
	Kind SdpKind
	SDP  string
}

func (e LocalSDP) Peer() PeerID { return e.To }

// LocalICE is a locally gathered candidate addressed to a remote peer.
type LocalICE struct {
	To        PeerID
	Candidate IceCandidate
}

func (e LocalICE) Peer() PeerID { return e.To }
