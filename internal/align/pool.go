package align

import (
	"errors"
	"sync"
	"unsafe"
)

// bufAddr returns the address of b's backing array as a uintptr, for
// alignment checks, mirroring oddmario/directio's align() helper.
func bufAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// allocAligned allocates a buffer of exactly n bytes whose base address is
// a multiple of alignment, by over-allocating by alignment bytes and
// slicing to the aligned window. Grounded on oddmario/directio's
// allocAlignedBuf.
func allocAligned(alignment, n int) ([]byte, error) {
	if alignment <= 0 {
		return nil, errors.New("align: invalid alignment")
	}
	if n <= 0 {
		return nil, errors.New("align: size must be positive")
	}
	raw := make([]byte, n+alignment)
	off := int(bufAddr(raw)) % alignment
	if off != 0 {
		off = alignment - off
	}
	buf := raw[off : off+n]
	if int(bufAddr(buf))%alignment != 0 {
		return nil, errors.New("align: could not allocate aligned buffer")
	}
	return buf, nil
}

// bucket sizes are sector-size multiples chosen to cover the common bounce
// sizes a misaligned request produces: one sector either side of a run of
// full sectors. This ladder generalizes the teacher's BufferPool
// (internal/queue/pool.go), which bucketed by 128k/256k/512k/1m for guest
// I/O payloads, down to the much smaller sizes a bounce buffer needs while
// keeping the same sync.Pool-per-bucket shape.
var bucketSizes = []int{4096, 16384, 65536, 262144, 1048576}

// Pool hands out page-aligned buffers sized to the smallest bucket that
// fits the request, reusing freed buffers through a sync.Pool per bucket.
type Pool struct {
	alignment int
	pools     []sync.Pool
}

// NewPool returns a Pool producing buffers aligned to alignment bytes.
func NewPool(alignment int) *Pool {
	p := &Pool{alignment: alignment, pools: make([]sync.Pool, len(bucketSizes))}
	for i, sz := range bucketSizes {
		size := sz
		p.pools[i].New = func() interface{} {
			buf, err := allocAligned(alignment, size)
			if err != nil {
				return nil
			}
			return &buf
		}
	}
	return p
}

func (p *Pool) bucketFor(n int64) int {
	for i, sz := range bucketSizes {
		if int64(sz) >= n {
			return i
		}
	}
	return -1
}

// Get returns an aligned buffer of at least n bytes, sliced down to exactly
// n. Sizes larger than the largest bucket are allocated directly and not
// pooled.
func (p *Pool) Get(n int64) ([]byte, error) {
	if n <= 0 {
		return nil, errors.New("align: size must be positive")
	}
	i := p.bucketFor(n)
	if i < 0 {
		return allocAligned(p.alignment, int(n))
	}
	v := p.pools[i].Get()
	var buf []byte
	if v == nil {
		b, err := allocAligned(p.alignment, bucketSizes[i])
		if err != nil {
			return nil, err
		}
		buf = b
	} else {
		buf = *(v.(*[]byte))
	}
	// Three-index slice: len=n, cap=bucketSizes[i], so Put can recover the
	// bucket's full backing array regardless of how much the caller used.
	return buf[:n:bucketSizes[i]], nil
}

// Put returns buf to its bucket pool if it came from one. Buffers whose
// capacity doesn't match a bucket exactly (larger than the largest bucket,
// or a direct non-pooled allocation) are simply dropped.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	full := buf[:cap(buf)]
	for i, sz := range bucketSizes {
		if sz == cap(full) {
			p.pools[i].Put(&full)
			return
		}
	}
}
