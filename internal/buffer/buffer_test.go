package buffer

import (
	"bytes"
	"errors"
	"testing"
)

func TestAppendRetrieveAllAsStringRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"short", "hello"},
		{"exactly initial capacity", string(make([]byte, initialSize))},
		{"larger than initial capacity", string(make([]byte, initialSize*3+17))},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := New()
			b.Append([]byte(tc.data))
			if got := b.RetrieveAllAsString(); got != tc.data {
				t.Errorf("got %d bytes back, want %d", len(got), len(tc.data))
			}
		})
	}
}

func TestAppendPeekInt32RoundTrip(t *testing.T) {
	testCases := []int32{0, 1, -1, 1 << 20, -(1 << 20), 2147483647, -2147483648}

	for _, x := range testCases {
		b := New()
		b.AppendInt32(x)
		if got := b.PeekInt32(); got != x {
			t.Errorf("PeekInt32() = %d, want %d", got, x)
		}
		if got := b.Readable(); got != 4 {
			t.Errorf("Readable() = %d after AppendInt32, want 4", got)
		}
	}
}

func TestCapacityInvariant(t *testing.T) {
	b := New()
	check := func() {
		t.Helper()
		if got, want := b.Readable()+b.Writable()+b.Prependable(), b.Capacity(); got != want {
			t.Fatalf("Readable+Writable+Prependable = %d, want Capacity = %d", got, want)
		}
	}
	check()
	b.Append(bytes.Repeat([]byte("x"), 100))
	check()
	b.Retrieve(50)
	check()
	b.Append(bytes.Repeat([]byte("y"), 5000))
	check()
	b.RetrieveAll()
	check()
}

func TestPrependRespectsReserve(t *testing.T) {
	b := New()
	header := []byte{0, 0, 0, 1}
	if err := b.Prepend(header); err != nil {
		t.Fatalf("Prepend within reserve failed: %v", err)
	}
	if b.Readable() != 4 {
		t.Fatalf("Readable() = %d, want 4", b.Readable())
	}

	if err := b.Prepend(make([]byte, 5)); !errors.Is(err, ErrPrependTooLarge) {
		t.Fatalf("Prepend beyond reserve = %v, want ErrPrependTooLarge", err)
	}
}

func TestGrowthShiftsBeforeResizing(t *testing.T) {
	b := New()
	b.Append(bytes.Repeat([]byte("a"), 1000))
	b.Retrieve(990) // 10 bytes stay readable; reader is far from the prepend boundary
	capBefore := b.Capacity()

	// Writable (24) alone is too small for 100 bytes, but writable plus the
	// reclaimable prependable space is plenty, so Append must shift.
	b.Append(bytes.Repeat([]byte("b"), 100))
	if b.Capacity() != capBefore {
		t.Errorf("Capacity changed from %d to %d; expected reclaim via shift, not resize", capBefore, b.Capacity())
	}
	want := string(bytes.Repeat([]byte("a"), 10)) + string(bytes.Repeat([]byte("b"), 100))
	if got := b.RetrieveAllAsString(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestGrowthResizesWhenReclaimInsufficient(t *testing.T) {
	b := New()
	huge := bytes.Repeat([]byte("z"), initialSize*4)
	b.Append(huge)
	if b.Capacity() < len(huge) {
		t.Fatalf("Capacity() = %d, want >= %d", b.Capacity(), len(huge))
	}
	if got := b.RetrieveAllAsString(); got != string(huge) {
		t.Errorf("round trip through forced resize corrupted data")
	}
}

// fakeConn is a minimal fdReader stand-in: a fixed byte slice delivered
// across two Read calls (mimicking a scatter read across buffer tail and
// overflow region), analogous to how the teacher's
// internal/adapter/socket.go fakes tcpConn.Read in its own tests.
type fakeConn struct {
	chunks [][]byte
	idx    int
}

func (f *fakeConn) Read(p []byte) (int, error) {
	if f.idx >= len(f.chunks) {
		return 0, errors.New("fakeConn: exhausted")
	}
	n := copy(p, f.chunks[f.idx])
	f.idx++
	return n, nil
}

func TestReadFromFDFitsInBufferTail(t *testing.T) {
	b := New()
	fc := &fakeConn{chunks: [][]byte{[]byte("hello"), nil}}
	n, err := b.ReadFromFD(fc)
	if err != nil {
		t.Fatalf("ReadFromFD: %v", err)
	}
	if n != 5 {
		t.Fatalf("n = %d, want 5", n)
	}
	if got := b.RetrieveAllAsString(); got != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
}

func TestReadFromFDSpillsIntoOverflow(t *testing.T) {
	b := New()
	// Shrink writable space to force the overflow path: fill writable to
	// exactly capacity-writer bytes, then read a chunk that exactly fills
	// the tail, so ReadFromFD must consult the overflow region.
	fill := bytes.Repeat([]byte("a"), b.Writable())
	overflow := []byte("spillover-bytes")

	fc := &fakeConn{chunks: [][]byte{fill, overflow}}
	n, err := b.ReadFromFD(fc)
	if err != nil {
		t.Fatalf("ReadFromFD: %v", err)
	}
	if n != len(fill)+len(overflow) {
		t.Fatalf("n = %d, want %d", n, len(fill)+len(overflow))
	}
	want := string(fill) + string(overflow)
	if got := b.RetrieveAllAsString(); got != want {
		t.Errorf("round trip through overflow region corrupted data")
	}
}
