package ringio

import (
	"os"
	"unsafe"

	"testing"
)

func TestSQESizeMatchesKernelLayout(t *testing.T) {
	if got := unsafe.Sizeof(sqe{}); got != 64 {
		t.Errorf("sqe size = %d, want 64", got)
	}
}

func TestCQESizeMatchesKernelLayout(t *testing.T) {
	if got := unsafe.Sizeof(cqe{}); got != 16 {
		t.Errorf("cqe size = %d, want 16", got)
	}
}

// newTestRing opens a small ring, skipping the test when the kernel this
// runs on lacks io_uring (old kernel, or a sandbox that blocks the
// syscall), the same way the engine package's ring tests skip when
// RingEngine.Init fails.
func newTestRing(t *testing.T) *Ring {
	t.Helper()
	r, err := New(8)
	if err != nil {
		t.Skipf("io_uring unavailable in this environment: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestReadWriteRoundTrip(t *testing.T) {
	r := newTestRing(t)

	f, err := os.CreateTemp(t.TempDir(), "ringio")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()

	want := []byte("hello io_uring")
	if _, err := f.Write(want); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	fd := int32(f.Fd())
	buf := make([]byte, len(want))
	iovs := []Iovec{{Base: &buf[0], Len: uint64(len(buf))}}

	if !r.PrepReadv(fd, iovs, 0, 42) {
		t.Fatal("PrepReadv: ring reported full")
	}
	if _, err := r.Submit(1); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var completions []Completion
	completions = r.Reap(completions)
	if len(completions) != 1 {
		t.Fatalf("got %d completions, want 1", len(completions))
	}
	if completions[0].UserData != 42 {
		t.Errorf("UserData = %d, want 42", completions[0].UserData)
	}
	if completions[0].Res < 0 {
		t.Errorf("read failed with res %d", completions[0].Res)
	}
	if string(buf) != string(want) {
		t.Errorf("read %q, want %q", buf, want)
	}
}

func TestFsyncCompletes(t *testing.T) {
	r := newTestRing(t)

	f, err := os.CreateTemp(t.TempDir(), "ringio-fsync")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()

	if !r.PrepFsync(int32(f.Fd()), 7) {
		t.Fatal("PrepFsync: ring reported full")
	}
	if _, err := r.Submit(1); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var completions []Completion
	completions = r.Reap(completions)
	if len(completions) != 1 || completions[0].UserData != 7 {
		t.Fatalf("completions = %+v, want one entry with UserData 7", completions)
	}
}

func TestPrepFailsWhenRingFull(t *testing.T) {
	r := newTestRing(t)

	f, err := os.CreateTemp(t.TempDir(), "ringio-full")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()

	for i := 0; i < int(r.Capacity()); i++ {
		if !r.PrepFsync(int32(f.Fd()), uint64(i)) {
			t.Fatalf("PrepFsync unexpectedly failed at iteration %d", i)
		}
	}
	if r.PrepFsync(int32(f.Fd()), 999) {
		t.Fatal("expected PrepFsync to fail once the ring is full of unsubmitted entries")
	}
}
