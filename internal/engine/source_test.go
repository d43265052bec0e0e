package engine

import (
	"sync"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSourceEngine(t *testing.T) *pionEngine {
	t.Helper()
	factory, err := NewPionFactory(nil, nil)
	require.NoError(t, err)

	e, err := factory.New("cam_0")
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	return e.(*pionEngine)
}

// activeTracks counts senders still carrying a track; an unwound
// branch leaves its sender trackless.
func activeTracks(pc *webrtc.PeerConnection) int {
	n := 0
	for _, s := range pc.GetSenders() {
		if s.Track() != nil {
			n++
		}
	}
	return n
}

func TestConcurrentAddBranchLeavesSingleTrack(t *testing.T) {
	pe := newSourceEngine(t)
	src := NewRTPSource(webrtc.MimeTypeVP8, nil)
	defer src.Close()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = src.AddBranch("cam_0", pe)
		}(i)
	}
	wg.Wait()

	added := 0
	for _, err := range errs {
		if err == nil {
			added++
		} else {
			assert.ErrorIs(t, err, ErrBranchExists)
		}
	}
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, activeTracks(pe.pc))
}

func TestAddBranchOnClosedSource(t *testing.T) {
	pe := newSourceEngine(t)
	src := NewRTPSource(webrtc.MimeTypeVP8, nil)
	require.NoError(t, src.Close())

	err := src.AddBranch("cam_0", pe)
	require.ErrorIs(t, err, ErrEngineClosed)
	assert.Zero(t, activeTracks(pe.pc))
}
