package ipc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nyxkernel/nyx/internal/errs"
	"github.com/nyxkernel/nyx/internal/handle"
	"github.com/nyxkernel/nyx/internal/kobject"
)

type fakeVmo struct{}

func (fakeVmo) Kind() kobject.Kind { return kobject.KindVmo }

func TestWriteReadRoundTrip(t *testing.T) {
	a, b := New()
	err := a.Write(MessagePacket{Bytes: []byte("hello")})
	require.NoError(t, err)

	pkt, err := b.Read()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), pkt.Bytes)
}

func TestReadEmptyLivePeerShouldWait(t *testing.T) {
	a, _ := New()
	_, err := a.Read()
	require.ErrorIs(t, err, errs.New(errs.ShouldWait))
}

func TestCloseIsObservableOnPeerOnceDrained(t *testing.T) {
	a, b := New()
	require.NoError(t, a.Write(MessagePacket{Bytes: []byte("x")}))
	a.Close()

	// The queued message is still readable...
	pkt, err := b.Read()
	require.NoError(t, err)
	require.Equal(t, []byte("x"), pkt.Bytes)

	// ...but once drained, the peer's closure is observable.
	_, err = b.Read()
	require.ErrorIs(t, err, errs.New(errs.PeerClosed))
}

func TestWriteAfterPeerCloseFails(t *testing.T) {
	a, b := New()
	b.Close()
	err := a.Write(MessagePacket{Bytes: []byte("x")})
	require.ErrorIs(t, err, errs.New(errs.PeerClosed))
}

func TestPeekHeadDoesNotConsume(t *testing.T) {
	a, b := New()
	require.NoError(t, a.Write(MessagePacket{
		Bytes:   []byte("abc"),
		Handles: []Capability{{Object: fakeVmo{}, Rights: handle.Read}},
	}))

	dataLen, handleLen, err := b.PeekHead()
	require.NoError(t, err)
	require.Equal(t, 3, dataLen)
	require.Equal(t, 1, handleLen)

	// Peeking again returns the same sizes: nothing was consumed.
	dataLen2, handleLen2, err := b.PeekHead()
	require.NoError(t, err)
	require.Equal(t, dataLen, dataLen2)
	require.Equal(t, handleLen, handleLen2)

	pkt, err := b.Pop()
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), pkt.Bytes)
	require.Len(t, pkt.Handles, 1)

	_, _, err = b.PeekHead()
	require.ErrorIs(t, err, errs.New(errs.ShouldWait))
}

func TestPeekHeadOnClosedEmptyPeerReportsPeerClosed(t *testing.T) {
	a, b := New()
	b.Close()
	_, _, err := a.PeekHead()
	require.ErrorIs(t, err, errs.New(errs.PeerClosed))
}
