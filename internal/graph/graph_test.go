package graph

import (
	"testing"
	"time"

	"github.com/zsiec/refract/internal/media"
)

type collector struct {
	units []*media.Unit
}

func (c *collector) Push(u *media.Unit) {
	c.units = append(c.units, u)
}

func unit(pts time.Duration) *media.Unit {
	return &media.Unit{PTS: pts, Payload: []byte{0x01}}
}

func TestForwarderLastOutputWins(t *testing.T) {
	t.Parallel()
	var f Forwarder
	first := &collector{}
	second := &collector{}

	f.SetOutput(first)
	f.Forward(unit(0))

	f.SetOutput(second)
	f.Forward(unit(time.Millisecond))
	f.Forward(unit(2 * time.Millisecond))

	if len(first.units) != 1 {
		t.Errorf("replaced consumer received %d units, want 1", len(first.units))
	}
	if len(second.units) != 2 {
		t.Errorf("current consumer received %d units, want 2", len(second.units))
	}
}

func TestForwarderUnwiredDropsSilently(t *testing.T) {
	t.Parallel()
	var f Forwarder

	// Must not panic with no consumer configured.
	f.Forward(unit(0))

	if f.Wired() {
		t.Error("Wired should be false with no consumer")
	}

	c := &collector{}
	f.SetOutput(c)
	if !f.Wired() {
		t.Error("Wired should be true after SetOutput")
	}

	f.SetOutput(nil)
	f.Forward(unit(0))
	if len(c.units) != 0 {
		t.Errorf("detached consumer received %d units, want 0", len(c.units))
	}
}

func TestSplitterDeliversToAll(t *testing.T) {
	t.Parallel()
	s := NewSplitter()
	sinks := []*collector{{}, {}, {}}
	for _, c := range sinks {
		s.AddOutput(c)
	}

	u := unit(0)
	s.Push(u)

	for i, c := range sinks {
		if len(c.units) != 1 {
			t.Errorf("consumer %d received %d units, want 1", i, len(c.units))
			continue
		}
		if c.units[0] != u {
			t.Errorf("consumer %d received a different unit pointer", i)
		}
	}
}

func TestSplitterRejectsDuplicateIdentity(t *testing.T) {
	t.Parallel()
	s := NewSplitter()
	c := &collector{}

	s.AddOutput(c)
	s.AddOutput(c)

	if s.Outputs() != 1 {
		t.Fatalf("outputs: got %d, want 1", s.Outputs())
	}

	s.Push(unit(0))
	if len(c.units) != 1 {
		t.Errorf("consumer received %d units, want 1", len(c.units))
	}
}

func TestSplitterRemoveOutput(t *testing.T) {
	t.Parallel()
	s := NewSplitter()
	keep := &collector{}
	drop := &collector{}
	s.AddOutput(keep)
	s.AddOutput(drop)

	s.RemoveOutput(drop)
	s.Push(unit(0))

	if len(keep.units) != 1 {
		t.Errorf("kept consumer received %d units, want 1", len(keep.units))
	}
	if len(drop.units) != 0 {
		t.Errorf("removed consumer received %d units, want 0", len(drop.units))
	}

	// Removing an unknown identity is a silent no-op.
	s.RemoveOutput(&collector{})
	if s.Outputs() != 1 {
		t.Errorf("outputs: got %d, want 1", s.Outputs())
	}
}

func TestSplitterDeliveryOrder(t *testing.T) {
	t.Parallel()
	s := NewSplitter()

	var order []int
	for i := 0; i < 4; i++ {
		i := i
		s.AddOutput(pushFunc(func(*media.Unit) {
			order = append(order, i)
		}))
	}

	s.Push(unit(0))

	for i, got := range order {
		if got != i {
			t.Fatalf("delivery order %v, want registration order", order)
		}
	}
}

type pushFunc func(*media.Unit)

func (f pushFunc) Push(u *media.Unit) { f(u) }
