package progress

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tokenlens/tokenlens/internal/loader"
)

// TestRegistryBroadcastFanOut verifies every open stream for a scan receives
// each broadcast update.
func TestRegistryBroadcastFanOut(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(RegistryConfig{})
	defer reg.Close()

	scanID := uuid.New()
	first, closeFirst, err := reg.Open(scanID)
	require.NoError(t, err)
	defer closeFirst()
	second, closeSecond, err := reg.Open(scanID)
	require.NoError(t, err)
	defer closeSecond()

	reg.Broadcast(Update{ScanID: scanID, State: loader.State{Status: loader.StatusLoading}})

	for _, ch := range []<-chan Update{first, second} {
		upd := <-ch
		require.Equal(t, scanID, upd.ScanID)
		require.Equal(t, loader.StatusLoading, upd.State.Status)
	}
}

// TestRegistryBroadcastIsScanScoped asserts updates never leak across scans.
func TestRegistryBroadcastIsScanScoped(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(RegistryConfig{})
	defer reg.Close()

	target := uuid.New()
	other := uuid.New()

	ch, cancel, err := reg.Open(other)
	require.NoError(t, err)
	defer cancel()

	reg.Broadcast(Update{ScanID: target, State: loader.State{Status: loader.StatusComplete}})
	select {
	case upd := <-ch:
		t.Fatalf("unexpected update for scan %s", upd.ScanID)
	default:
	}
}

// TestRegistryPrunesStalledStreams checks a consumer that stops reading is
// dropped instead of blocking the broadcaster.
func TestRegistryPrunesStalledStreams(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(RegistryConfig{StreamBuffer: 1})
	defer reg.Close()

	scanID := uuid.New()
	ch, cancel, err := reg.Open(scanID)
	require.NoError(t, err)
	defer cancel()

	reg.Broadcast(Update{ScanID: scanID, State: loader.State{Status: loader.StatusLoading}})
	// Buffer is full and nobody reads: this send prunes the stream.
	reg.Broadcast(Update{ScanID: scanID, State: loader.State{Status: loader.StatusStreaming}})
	require.Equal(t, 0, reg.OpenStreams(scanID))

	upd, ok := <-ch
	require.True(t, ok)
	require.Equal(t, loader.StatusLoading, upd.State.Status)
	_, ok = <-ch
	require.False(t, ok, "pruned stream should be closed")
}

// TestRegistryCloseScan terminates all streams for one scan while leaving
// other scans untouched.
func TestRegistryCloseScan(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(RegistryConfig{})
	defer reg.Close()

	done := uuid.New()
	live := uuid.New()

	doneCh, cancelDone, err := reg.Open(done)
	require.NoError(t, err)
	defer cancelDone()
	liveCh, cancelLive, err := reg.Open(live)
	require.NoError(t, err)
	defer cancelLive()

	reg.CloseScan(done)

	_, ok := <-doneCh
	require.False(t, ok)
	require.Equal(t, 0, reg.OpenStreams(done))

	reg.Broadcast(Update{ScanID: live, State: loader.State{Status: loader.StatusComplete}})
	upd := <-liveCh
	require.Equal(t, loader.StatusComplete, upd.State.Status)
}

// TestRegistryMaxStreams enforces the per-scan stream cap.
func TestRegistryMaxStreams(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(RegistryConfig{MaxStreams: 1})
	defer reg.Close()

	scanID := uuid.New()
	_, cancel, err := reg.Open(scanID)
	require.NoError(t, err)
	defer cancel()

	_, _, err = reg.Open(scanID)
	require.ErrorIs(t, err, ErrTooManyStreams)

	// A different scan has its own budget.
	_, cancelOther, err := reg.Open(uuid.New())
	require.NoError(t, err)
	cancelOther()
}

// TestRegistryClose rejects new streams and closes the existing ones.
func TestRegistryClose(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(RegistryConfig{})

	ch, cancel, err := reg.Open(uuid.New())
	require.NoError(t, err)
	defer cancel()

	reg.Close()

	_, ok := <-ch
	require.False(t, ok)

	_, _, err = reg.Open(uuid.New())
	require.ErrorIs(t, err, ErrRegistryClosed)

	// Broadcasting and closing again are safe no-ops.
	reg.Broadcast(Update{ScanID: uuid.New(), State: loader.State{}})
	reg.Close()
}

// TestRegistryCancelIsIdempotent ensures calling the cancel func twice does
// not panic or double-close.
func TestRegistryCancelIsIdempotent(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(RegistryConfig{})
	defer reg.Close()

	scanID := uuid.New()
	_, cancel, err := reg.Open(scanID)
	require.NoError(t, err)

	cancel()
	cancel()
	require.Equal(t, 0, reg.OpenStreams(scanID))
}
