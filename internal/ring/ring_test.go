package ring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestBuffer_EmptyOnNew(t *testing.T) {
	b := New(16)
	dst := make([]int16, 4)
	assert.Equal(t, 0, b.Pop(dst))
}

func TestBuffer_ZeroLengthIsNoOp(t *testing.T) {
	b := New(16)
	b.Push(nil)
	assert.Equal(t, 0, b.Pop(nil))
	stats := b.Stats()
	assert.Equal(t, 0, stats.Occupied)
}

func TestBuffer_FIFOUnderCapacity(t *testing.T) {
	b := New(100)
	in := make([]int16, 40)
	for i := range in {
		in[i] = int16(i)
	}
	b.Push(in)

	out := make([]int16, 40)
	n := b.Pop(out)
	require.Equal(t, 40, n)
	assert.Equal(t, in, out)
}

func TestBuffer_OverwriteOnFull(t *testing.T) {
	b := New(10)
	first := make([]int16, 10)
	for i := range first {
		first[i] = int16(i)
	}
	b.Push(first)

	stats := b.Stats()
	assert.Equal(t, 10, stats.Occupied)

	// Pushing past capacity overwrites the oldest unread samples; only
	// the most recent `capacity` pushed samples survive.
	second := []int16{100, 101, 102}
	b.Push(second)

	out := make([]int16, 10)
	n := b.Pop(out)
	require.Equal(t, 10, n)
	assert.Equal(t, []int16{3, 4, 5, 6, 7, 8, 9, 100, 101, 102}, out)
}

func TestBuffer_PopAfterFullRotationTreatsReadAheadAsEmpty(t *testing.T) {
	b := New(4)
	b.Push([]int16{1, 2, 3, 4})

	out := make([]int16, 2)
	require.Equal(t, 2, b.Pop(out)) // read=2, write=0, full=false now read<write false... read(2) vs write(0): read>write -> empty per contract
	assert.Equal(t, 0, b.Pop(make([]int16, 2)))
}

func TestBuffer_WaitReturnsFalseWhenInactive(t *testing.T) {
	b := New(16)
	ok := b.Wait(5*time.Millisecond, func() bool { return false })
	assert.False(t, ok)
}

func TestBuffer_WaitWakesOnPush(t *testing.T) {
	b := New(16)
	active := true
	done := make(chan bool, 1)
	go func() {
		done <- b.Wait(200*time.Millisecond, func() bool { return active })
	}()
	time.Sleep(10 * time.Millisecond)
	b.Push([]int16{1, 2, 3})
	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake on Push")
	}
}

func TestBuffer_BroadcastCancelsWaiters(t *testing.T) {
	b := New(16)
	active := true
	done := make(chan bool, 1)
	go func() {
		done <- b.Wait(500*time.Millisecond, func() bool { return active })
	}()
	time.Sleep(10 * time.Millisecond)
	active = false
	b.Broadcast()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake on teardown broadcast")
	}
}

// TestFIFOModuloOverwrite is the property from spec §8 item 1: for any
// interleaving of push/pop where total pushed never exceeds capacity, the
// concatenation of pop outputs is an in-order prefix of the concatenation
// of push inputs (Pop treats read > write && !full as empty, so a tail can
// be left unread).
func TestFIFOModuloOverwrite(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(4, 64).Draw(rt, "capacity")
		b := New(capacity)

		var pushed, popped []int16
		ops := rapid.IntRange(1, 20).Draw(rt, "ops")
		budget := capacity // never push past capacity in this property
		for i := 0; i < ops; i++ {
			if budget > 0 && rapid.Boolean().Draw(rt, "doPush") {
				n := rapid.IntRange(1, budget).Draw(rt, "pushN")
				chunk := make([]int16, n)
				for j := range chunk {
					chunk[j] = int16(len(pushed) + j)
				}
				b.Push(chunk)
				pushed = append(pushed, chunk...)
				budget -= n
			} else {
				n := rapid.IntRange(1, capacity).Draw(rt, "popN")
				dst := make([]int16, n)
				got := b.Pop(dst)
				popped = append(popped, dst[:got]...)
			}
		}
		// Drain whatever remains.
		for {
			dst := make([]int16, capacity)
			got := b.Pop(dst)
			if got == 0 {
				break
			}
			popped = append(popped, dst[:got]...)
		}

		if len(popped) > len(pushed) {
			rt.Fatalf("popped more samples than pushed: %d > %d", len(popped), len(pushed))
		}
		if !equalPrefix(pushed, popped) {
			rt.Fatalf("pop output %v is not a prefix of push input %v", popped, pushed)
		}
	})
}

func equalPrefix(pushed, popped []int16) bool {
	for i, v := range popped {
		if pushed[i] != v {
			return false
		}
	}
	return true
}

// TestRingSafety is spec §8 item 2: indices always stay within bounds.
func TestRingSafety(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(1, 32).Draw(rt, "capacity")
		b := New(capacity)
		ops := rapid.IntRange(1, 30).Draw(rt, "ops")
		for i := 0; i < ops; i++ {
			if rapid.Boolean().Draw(rt, "doPush") {
				n := rapid.IntRange(1, capacity*2).Draw(rt, "pushN")
				b.Push(make([]int16, n))
			} else {
				n := rapid.IntRange(1, capacity*2).Draw(rt, "popN")
				b.Pop(make([]int16, n))
			}
			b.mu.Lock()
			if b.read < 0 || b.read >= len(b.storage) {
				rt.Fatalf("read index %d out of bounds [0,%d)", b.read, len(b.storage))
			}
			if b.write < 0 || b.write >= len(b.storage) {
				rt.Fatalf("write index %d out of bounds [0,%d)", b.write, len(b.storage))
			}
			if b.full && b.available() != len(b.storage) {
				rt.Fatalf("full flag true but available()=%d != capacity=%d", b.available(), len(b.storage))
			}
			b.mu.Unlock()
		}
	})
}
