package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowforge/mediacore/internal/filter"
	"github.com/flowforge/mediacore/internal/frame"
	"github.com/flowforge/mediacore/internal/scheduler"
)

// passthroughProcessor copies src into dst unchanged, for tests that
// only care about graph wiring, not codec behavior.
type passthroughProcessor struct{}

func (passthroughProcessor) ProcessFrame(src, dst *frame.Frame) (time.Duration, error) {
	if err := src.CopyInto(dst); err != nil {
		return 0, err
	}
	return time.Millisecond, nil
}

type counterGenerator struct{ n uint64 }

func (g *counterGenerator) GenerateFrame(dst *frame.Frame) (time.Duration, error) {
	g.n++
	if err := dst.SetLength(8); err != nil {
		return 0, err
	}
	return time.Millisecond, nil
}

type sinkConsumer struct{ got chan struct{} }

func (s *sinkConsumer) ConsumeFrame(src *frame.Frame) (time.Duration, error) {
	select {
	case s.got <- struct{}{}:
	default:
	}
	return time.Millisecond, nil
}

// sequenceRecorder captures the sequence number of every frame it
// consumes, in delivery order, so a test can assert frames actually
// moved end to end through a started scheduler.
type sequenceRecorder struct {
	mu   sync.Mutex
	seqs []uint64
}

func (s *sequenceRecorder) ConsumeFrame(src *frame.Frame) (time.Duration, error) {
	s.mu.Lock()
	s.seqs = append(s.seqs, src.SequenceNumber())
	s.mu.Unlock()
	return 0, nil
}

func (s *sequenceRecorder) snapshot() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.seqs))
	copy(out, s.seqs)
	return out
}

func newManager(t *testing.T) *Manager {
	t.Helper()
	pool := scheduler.NewPool(4, time.Second, nil, nil)
	return NewManager(pool, nil, nil)
}

func TestLinePipelineHeadToOneToOneToTail(t *testing.T) {
	m := newManager(t)

	head, err := filter.NewHead("head", time.Millisecond, &counterGenerator{}, nil, nil)
	require.NoError(t, err)
	mid, err := filter.NewOneToOne("mid", passthroughProcessor{}, nil, nil)
	require.NoError(t, err)
	sink := &sinkConsumer{got: make(chan struct{}, 1)}
	tail, err := filter.NewTail("tail", sink, nil, nil)
	require.NoError(t, err)

	headID, err := m.AddFilter(head)
	require.NoError(t, err)
	midID, err := m.AddFilter(mid)
	require.NoError(t, err)
	tailID, err := m.AddFilter(tail)
	require.NoError(t, err)

	p1, err := m.CreatePath(headID, -1, midID, -1, 4, 64, frame.CodecOpaque, false)
	require.NoError(t, err)
	require.NoError(t, m.ConnectPath(p1))

	p2, err := m.CreatePath(midID, -1, tailID, -1, 4, 64, frame.CodecOpaque, false)
	require.NoError(t, err)
	require.NoError(t, m.ConnectPath(p2))

	require.Len(t, m.Filters(), 3)
}

// TestStartedPoolDeliversFramesInOrder drives a real, started Pool
// (not just wiring assertions) through head -> mid -> tail and checks
// the sink actually receives frames, strictly in sequence order. This
// is the minimum end-to-end bar: a scheduler that double-claims a
// filter's own single-flight guard would leave every filter ticking
// forever without ever calling GetFront/ProcessFrame/AddFrame, and
// this test would see zero frames delivered.
func TestStartedPoolDeliversFramesInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := scheduler.NewPool(4, time.Second, nil, nil)
	pool.Start(ctx)
	m := NewManager(pool, nil, nil)

	head, err := filter.NewHead("head", time.Millisecond, &counterGenerator{}, nil, nil)
	require.NoError(t, err)
	mid, err := filter.NewOneToOne("mid", passthroughProcessor{}, nil, nil)
	require.NoError(t, err)
	recorder := &sequenceRecorder{}
	tail, err := filter.NewTail("tail", recorder, nil, nil)
	require.NoError(t, err)

	headID, err := m.AddFilter(head)
	require.NoError(t, err)
	midID, err := m.AddFilter(mid)
	require.NoError(t, err)
	tailID, err := m.AddFilter(tail)
	require.NoError(t, err)

	p1, err := m.CreatePath(headID, -1, midID, -1, 8, 64, frame.CodecOpaque, false)
	require.NoError(t, err)
	require.NoError(t, m.ConnectPath(p1))
	p2, err := m.CreatePath(midID, -1, tailID, -1, 8, 64, frame.CodecOpaque, false)
	require.NoError(t, err)
	require.NoError(t, m.ConnectPath(p2))

	require.Eventually(t, func() bool {
		return len(recorder.snapshot()) >= 5
	}, time.Second, time.Millisecond, "sink should receive frames once the pool is driving the pipeline")

	seqs := recorder.snapshot()
	for i := 1; i < len(seqs); i++ {
		require.Greater(t, seqs[i], seqs[i-1], "sequence numbers must arrive strictly increasing")
	}
}

// TestStartedPoolDrainsSharedMasterInput exercises the master/slave
// group through a started Pool: the slave must never be dispatched as
// its own independent task, or the scheduler's claim on the shared
// Group races the master's and the input queue never drains.
func TestStartedPoolDrainsSharedMasterInput(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := scheduler.NewPool(4, time.Second, nil, nil)
	pool.Start(ctx)
	m := NewManager(pool, nil, nil)

	head, err := filter.NewHead("head", time.Millisecond, &counterGenerator{}, nil, nil)
	require.NoError(t, err)
	master, err := filter.NewOneToOne("master", passthroughProcessor{}, nil, nil)
	require.NoError(t, err)
	slave, err := filter.NewOneToOne("slave", passthroughProcessor{}, nil, nil)
	require.NoError(t, err)
	masterRecorder := &sequenceRecorder{}
	slaveRecorder := &sequenceRecorder{}
	tailMaster, err := filter.NewTail("tailMaster", masterRecorder, nil, nil)
	require.NoError(t, err)
	tailSlave, err := filter.NewTail("tailSlave", slaveRecorder, nil, nil)
	require.NoError(t, err)

	headID, err := m.AddFilter(head)
	require.NoError(t, err)
	masterID, err := m.AddFilter(master)
	require.NoError(t, err)
	slaveID, err := m.AddFilter(slave)
	require.NoError(t, err)
	tailMasterID, err := m.AddFilter(tailMaster)
	require.NoError(t, err)
	tailSlaveID, err := m.AddFilter(tailSlave)
	require.NoError(t, err)

	require.NoError(t, master.AddSlave(0, slave))

	p0, err := m.CreatePath(headID, -1, masterID, -1, 4, 64, frame.CodecOpaque, false)
	require.NoError(t, err)
	require.NoError(t, m.ConnectPath(p0))
	pm, err := m.CreatePath(masterID, -1, tailMasterID, -1, 4, 64, frame.CodecOpaque, false)
	require.NoError(t, err)
	require.NoError(t, m.ConnectPath(pm))
	ps, err := m.CreatePath(slaveID, -1, tailSlaveID, -1, 4, 64, frame.CodecOpaque, false)
	require.NoError(t, err)
	require.NoError(t, m.ConnectPath(ps))

	require.Eventually(t, func() bool {
		return len(masterRecorder.snapshot()) >= 5 && len(slaveRecorder.snapshot()) >= 5
	}, time.Second, time.Millisecond, "both the master and its slave should keep receiving frames; "+
		"a stuck shared group would stall after at most one shared input frame")
}

func TestDiamondFanOutFanIn(t *testing.T) {
	m := newManager(t)

	head, err := filter.NewHead("head", time.Millisecond, &counterGenerator{}, nil, nil)
	require.NoError(t, err)
	splitter, err := filter.NewOneToMany("splitter", onetomanyPassthrough{}, nil, nil)
	require.NoError(t, err)
	left, err := filter.NewOneToOne("left", passthroughProcessor{}, nil, nil)
	require.NoError(t, err)
	right, err := filter.NewOneToOne("right", passthroughProcessor{}, nil, nil)
	require.NoError(t, err)
	merger, err := filter.NewManyToOne("merger", manytoonePickAny{}, nil, nil)
	require.NoError(t, err)

	headID, _ := m.AddFilter(head)
	splitID, _ := m.AddFilter(splitter)
	leftID, _ := m.AddFilter(left)
	rightID, _ := m.AddFilter(right)
	mergeID, _ := m.AddFilter(merger)

	p, err := m.CreatePath(headID, -1, splitID, -1, 4, 64, frame.CodecOpaque, false)
	require.NoError(t, err)
	require.NoError(t, m.ConnectPath(p))

	pl, err := m.CreatePath(splitID, -1, leftID, -1, 4, 64, frame.CodecOpaque, false)
	require.NoError(t, err)
	require.NoError(t, m.ConnectPath(pl))

	pr, err := m.CreatePath(splitID, -1, rightID, -1, 4, 64, frame.CodecOpaque, false)
	require.NoError(t, err)
	require.NoError(t, m.ConnectPath(pr))

	pml, err := m.CreatePath(leftID, -1, mergeID, -1, 4, 64, frame.CodecOpaque, false)
	require.NoError(t, err)
	require.NoError(t, m.ConnectPath(pml))

	pmr, err := m.CreatePath(rightID, -1, mergeID, -1, 4, 64, frame.CodecOpaque, false)
	require.NoError(t, err)
	require.NoError(t, m.ConnectPath(pmr))

	require.Len(t, m.Filters(), 5)
}

func TestCreatePathRejectsCycle(t *testing.T) {
	m := newManager(t)

	a, err := filter.NewOneToOne("a", passthroughProcessor{}, nil, nil)
	require.NoError(t, err)
	b, err := filter.NewOneToOne("b", passthroughProcessor{}, nil, nil)
	require.NoError(t, err)

	aID, _ := m.AddFilter(a)
	bID, _ := m.AddFilter(b)

	p1, err := m.CreatePath(aID, -1, bID, -1, 4, 64, frame.CodecOpaque, false)
	require.NoError(t, err)
	require.NoError(t, m.ConnectPath(p1))

	_, err = m.CreatePath(bID, -1, aID, -1, 4, 64, frame.CodecOpaque, false)
	require.ErrorIs(t, err, ErrWouldCycle)
}

func TestMasterWithTwoSlavesIndependentOutputs(t *testing.T) {
	m := newManager(t)

	head, err := filter.NewHead("head", time.Millisecond, &counterGenerator{}, nil, nil)
	require.NoError(t, err)
	master, err := filter.NewOneToOne("master", passthroughProcessor{}, nil, nil)
	require.NoError(t, err)
	slaveA, err := filter.NewOneToOne("slaveA", passthroughProcessor{}, nil, nil)
	require.NoError(t, err)
	slaveB, err := filter.NewOneToOne("slaveB", passthroughProcessor{}, nil, nil)
	require.NoError(t, err)
	sinkMaster := &sinkConsumer{got: make(chan struct{}, 1)}
	sinkA := &sinkConsumer{got: make(chan struct{}, 1)}
	sinkB := &sinkConsumer{got: make(chan struct{}, 1)}
	tailMaster, err := filter.NewTail("tailMaster", sinkMaster, nil, nil)
	require.NoError(t, err)
	tailA, err := filter.NewTail("tailA", sinkA, nil, nil)
	require.NoError(t, err)
	tailB, err := filter.NewTail("tailB", sinkB, nil, nil)
	require.NoError(t, err)

	headID, _ := m.AddFilter(head)
	masterID, _ := m.AddFilter(master)
	slaveAID, _ := m.AddFilter(slaveA)
	slaveBID, _ := m.AddFilter(slaveB)
	tailMasterID, _ := m.AddFilter(tailMaster)
	tailAID, _ := m.AddFilter(tailA)
	tailBID, _ := m.AddFilter(tailB)

	_ = slaveAID
	_ = slaveBID

	require.NoError(t, master.AddSlave(0, slaveA))
	require.NoError(t, master.AddSlave(1, slaveB))

	p0, err := m.CreatePath(headID, -1, masterID, -1, 4, 64, frame.CodecOpaque, false)
	require.NoError(t, err)
	require.NoError(t, m.ConnectPath(p0))

	pm, err := m.CreatePath(masterID, -1, tailMasterID, -1, 4, 64, frame.CodecOpaque, false)
	require.NoError(t, err)
	require.NoError(t, m.ConnectPath(pm))

	pa, err := m.CreatePath(slaveAID, -1, tailAID, -1, 4, 64, frame.CodecOpaque, false)
	require.NoError(t, err)
	require.NoError(t, m.ConnectPath(pa))

	pb, err := m.CreatePath(slaveBID, -1, tailBID, -1, 4, 64, frame.CodecOpaque, false)
	require.NoError(t, err)
	require.NoError(t, m.ConnectPath(pb))

	require.Equal(t, filter.RoleMaster, master.Role())
	require.Equal(t, filter.RoleSlave, slaveA.Role())
	require.Equal(t, filter.RoleSlave, slaveB.Role())
	require.Len(t, m.Filters(), 7)
}

type onetomanyPassthrough struct{}

func (onetomanyPassthrough) ProcessFrame(src, dst *frame.Frame, writerID frame.EndpointID) (time.Duration, error) {
	if err := src.CopyInto(dst); err != nil {
		return 0, err
	}
	return time.Millisecond, nil
}

type manytoonePickAny struct{}

func (manytoonePickAny) ProcessFrame(available map[frame.EndpointID]*frame.Frame, dst *frame.Frame) ([]frame.EndpointID, time.Duration, error) {
	var consumed []frame.EndpointID
	for id, f := range available {
		if err := f.CopyInto(dst); err != nil {
			return nil, 0, err
		}
		consumed = append(consumed, id)
		break
	}
	return consumed, time.Millisecond, nil
}
