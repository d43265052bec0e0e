package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/telemir/signalmesh/internal/domain"
)

const udpReadBuffer = 1600 // UDP MTU, matches pion's rtp-to-webrtc sizing

// RTPSource fans one encoded RTP stream out to every registered peer
// branch. Branch mutation and packet writes share a reader/writer
// lock: RemoveBranch takes the write side, which blocks the shared
// output, unlinks the branch, then releases the block. A write never
// observes a half-removed branch.
type RTPSource struct {
	mu       sync.RWMutex
	closed   bool
	capacity webrtc.RTPCodecCapability
	branches map[domain.PeerID]*sourceBranch
	log      *slog.Logger
}

type sourceBranch struct {
	track  *webrtc.TrackLocalStaticRTP
	sender *webrtc.RTPSender
	pc     *webrtc.PeerConnection
}

func NewRTPSource(mimeType string, log *slog.Logger) *RTPSource {
	if log == nil {
		log = slog.Default()
	}
	return &RTPSource{
		capacity: webrtc.RTPCodecCapability{MimeType: mimeType},
		branches: make(map[domain.PeerID]*sourceBranch),
		log:      log,
	}
}

// AddBranch wires the peer's connection into the fan-out. Only
// engines created by PionFactory can carry media branches.
func (s *RTPSource) AddBranch(peer domain.PeerID, e Engine) error {
	pe, ok := e.(*pionEngine)
	if !ok {
		return fmt.Errorf("source: engine for %s is not media-capable", peer)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrEngineClosed
	}
	if _, exists := s.branches[peer]; exists {
		s.mu.Unlock()
		return ErrBranchExists
	}
	s.mu.Unlock()

	track, err := webrtc.NewTrackLocalStaticRTP(s.capacity, "video", "signalmesh")
	if err != nil {
		return fmt.Errorf("source: new track for %s: %w", peer, err)
	}

	sender, err := pe.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("source: add track for %s: %w", peer, err)
	}

	// Drain RTCP so interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.unwindTrack(peer, pe, sender)
		return ErrEngineClosed
	}
	if _, exists := s.branches[peer]; exists {
		s.unwindTrack(peer, pe, sender)
		return ErrBranchExists
	}
	s.branches[peer] = &sourceBranch{track: track, sender: sender, pc: pe.pc}
	return nil
}

// unwindTrack detaches a track added before the recheck failed.
// Stopping the sender also ends its RTCP drain goroutine.
func (s *RTPSource) unwindTrack(peer domain.PeerID, pe *pionEngine, sender *webrtc.RTPSender) {
	if err := pe.pc.RemoveTrack(sender); err != nil {
		s.log.Debug("source: unwind track", slog.String("peer", peer.String()), slog.String("error", err.Error()))
	}
}

// RemoveBranch blocks the shared output, unlinks the peer's branch and
// releases the block. Removing an absent branch is a no-op.
func (s *RTPSource) RemoveBranch(peer domain.PeerID) {
	s.mu.Lock()
	branch, ok := s.branches[peer]
	if ok {
		delete(s.branches, peer)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	if err := branch.pc.RemoveTrack(branch.sender); err != nil {
		s.log.Debug("source: remove track", slog.String("peer", peer.String()), slog.String("error", err.Error()))
	}
}

// Write distributes one RTP packet to every branch. A branch whose
// connection has gone away is skipped, not fatal.
func (s *RTPSource) Write(pkt []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for peer, branch := range s.branches {
		if _, err := branch.track.Write(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			s.log.Debug("source: write", slog.String("peer", peer.String()), slog.String("error", err.Error()))
		}
	}
}

// FeedUDP pumps RTP packets from a local UDP listener into the
// fan-out until the context is cancelled.
func (s *RTPSource) FeedUDP(ctx context.Context, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("source: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("source: listen %s: %w", addr, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, udpReadBuffer)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("source: read rtp: %w", err)
		}
		s.Write(buf[:n])
	}
}

func (s *RTPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.branches = make(map[domain.PeerID]*sourceBranch)
	return nil
}
