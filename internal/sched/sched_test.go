package sched

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nyxkernel/nyx/internal/proc"
)

func TestTickPicksFrontOfReadyQueue(t *testing.T) {
	s := New(1)
	p := proc.New("test", nil)
	a := proc.NewThread(p, 0, nil)
	b := proc.NewThread(p, 0, nil)
	s.Enqueue(0, a)
	s.Enqueue(0, b)

	next := s.Tick(0)
	require.Same(t, a, next)
	require.Same(t, a, s.Current(0))

	// a never transitioned to Running, so the next tick does not requeue
	// it: it simply advances to the next ready thread.
	next = s.Tick(0)
	require.Same(t, b, next)
}

func TestTickRequeuesRunningThreadToBack(t *testing.T) {
	s := New(1)
	p := proc.New("test", nil)
	hold := make(chan struct{})
	started := make(chan struct{})
	a := proc.NewThread(p, 0, func() {
		close(started)
		<-hold
	})
	b := proc.NewThread(p, 0, nil)
	s.Enqueue(0, a)
	s.Enqueue(0, b)

	first := s.Tick(0)
	require.Same(t, a, first)

	go a.Run()
	<-started // a is now genuinely Running, mid-quantum

	next := s.Tick(0)
	require.Same(t, b, next)
	require.Equal(t, proc.Ready, a.State(), "a must be rotated back to Ready, not left Running")

	close(hold)
}

func TestTickEmptyQueueReturnsNil(t *testing.T) {
	s := New(1)
	require.Nil(t, s.Tick(0))
	require.Nil(t, s.Current(0))
}

func TestEnqueueRecordsCPU(t *testing.T) {
	s := New(2)
	p := proc.New("test", nil)
	th := proc.NewThread(p, 0, nil)
	s.Enqueue(1, th)
	require.Equal(t, 1, th.CPU())
}

func TestNumCPUsAtLeastOne(t *testing.T) {
	s := New(0)
	require.Equal(t, 1, s.NumCPUs())
}
