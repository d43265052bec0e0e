package engine

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/telemir/signalmesh/internal/domain"
)

const callQueueDepth = 32

// PionFactory builds pion peer connections sharing one media engine
// and ICE configuration.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    *slog.Logger
}

func NewPionFactory(stunServers []string, log *slog.Logger) (*PionFactory, error) {
	if log == nil {
		log = slog.Default()
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("engine: register codecs: %w", err)
	}

	return &PionFactory{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		config: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
		},
		log: log,
	}, nil
}

func (f *PionFactory) New(peer domain.PeerID) (Engine, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("engine: new peer connection for %s: %w", peer, err)
	}

	e := &pionEngine{
		peer:  peer,
		pc:    pc,
		log:   f.log.With(slog.String("peer", peer.String())),
		calls: make(chan func(), callQueueDepth),
		quit:  make(chan struct{}),
	}
	go e.loop()

	return e, nil
}

// pionEngine wraps one *webrtc.PeerConnection. All create/set
// operations run on a single goroutine so that mutations submitted in
// order are applied in order (set-remote-description strictly before
// the create-answer that depends on it).
type pionEngine struct {
	peer domain.PeerID
	pc   *webrtc.PeerConnection
	log  *slog.Logger

	calls chan func()
	quit  chan struct{}
	once  sync.Once
}

func (e *pionEngine) loop() {
	for {
		select {
		case fn := <-e.calls:
			fn()
		case <-e.quit:
			return
		}
	}
}

func (e *pionEngine) submit(fn func()) bool {
	select {
	case e.calls <- fn:
		return true
	case <-e.quit:
		return false
	}
}

func (e *pionEngine) CreateOffer(done func(sdp string, err error)) {
	ok := e.submit(func() {
		offer, err := e.pc.CreateOffer(nil)
		if err != nil {
			done("", err)
			return
		}
		done(offer.SDP, nil)
	})
	if !ok {
		done("", ErrEngineClosed)
	}
}

func (e *pionEngine) CreateAnswer(done func(sdp string, err error)) {
	ok := e.submit(func() {
		answer, err := e.pc.CreateAnswer(nil)
		if err != nil {
			done("", err)
			return
		}
		done(answer.SDP, nil)
	})
	if !ok {
		done("", ErrEngineClosed)
	}
}

func (e *pionEngine) SetLocalDescription(kind domain.SdpKind, sdp string, done func(err error)) {
	ok := e.submit(func() {
		done(e.pc.SetLocalDescription(webrtc.SessionDescription{
			Type: pionSDPType(kind),
			SDP:  sdp,
		}))
	})
	if !ok {
		done(ErrEngineClosed)
	}
}

func (e *pionEngine) SetRemoteDescription(kind domain.SdpKind, sdp string, done func(err error)) {
	ok := e.submit(func() {
		done(e.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: pionSDPType(kind),
			SDP:  sdp,
		}))
	})
	if !ok {
		done(ErrEngineClosed)
	}
}

func (e *pionEngine) AddICECandidate(c domain.IceCandidate) error {
	select {
	case <-e.quit:
		return ErrEngineClosed
	default:
	}

	init := webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMLineIndex: &c.MLineIndex,
	}
	if c.Mid != "" {
		init.SDPMid = &c.Mid
	}
	return e.pc.AddICECandidate(init)
}

func (e *pionEngine) OnICECandidate(fn func(domain.IceCandidate)) {
	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering finished
		}
		init := c.ToJSON()

		var mline uint16
		if init.SDPMLineIndex != nil {
			mline = *init.SDPMLineIndex
		}
		var mid string
		if init.SDPMid != nil {
			mid = *init.SDPMid
		}

		fn(domain.IceCandidate{
			MLineIndex: mline,
			Candidate:  init.Candidate,
			Mid:        mid,
		})
	})
}

func (e *pionEngine) OnNegotiationNeeded(fn func()) {
	e.pc.OnNegotiationNeeded(fn)
}

func (e *pionEngine) OnConnectionStateChange(fn func(ConnectionState)) {
	e.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(connState(s))
	})
}

func (e *pionEngine) Close() error {
	var err error
	e.once.Do(func() {
		close(e.quit)
		err = e.pc.Close()
	})
	return err
}

func pionSDPType(kind domain.SdpKind) webrtc.SDPType {
	if kind == domain.SdpOffer {
		return webrtc.SDPTypeOffer
	}
	return webrtc.SDPTypeAnswer
}

func connState(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return ConnectionNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnectionFailed
	default:
		return ConnectionClosed
	}
}
