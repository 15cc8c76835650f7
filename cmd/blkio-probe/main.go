// Command blkio-probe opens a backing file or block device through the
// blkio core and drives it with a handful of one-shot operations, for
// exercising and benchmarking the submission API outside of a real guest.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blkio-go/blkio"
	"github.com/blkio-go/blkio/internal/logging"
)

func main() {
	var (
		optsStr = flag.String("options", "", "blkio option string: <path>[,ro][,nocache][,writeback|writethru][,sectorsize=L[/P]][,range=S/N][,discard=max:segs:align][,aio=threads|io_uring]")
		op      = flag.String("op", "probe", "operation: probe, read, write, fill, discard, bench")
		offset  = flag.Int64("offset", 0, "byte offset for read/write/discard")
		length  = flag.String("size", "4K", "transfer size for read/write/discard/bench (e.g. 4K, 1M)")
		queue   = flag.Int("queue", 0, "queue index to submit on")
		seconds = flag.Int("seconds", 5, "duration for bench")
		verbose = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *optsStr == "" {
		log.Fatal("-options is required, e.g. -options=/tmp/disk.img,sectorsize=4096")
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	cfg, err := blkio.ParseOptions(*optsStr)
	if err != nil {
		log.Fatalf("invalid options: %v", err)
	}

	size, err := parseSize(*length)
	if err != nil {
		log.Fatalf("invalid -size %q: %v", *length, err)
	}

	ctx, err := blkio.Open(cfg, &blkio.OpenOptions{Logger: logger})
	if err != nil {
		log.Fatalf("open failed: %v", err)
	}
	defer ctx.Close()

	logical, physical := ctx.SectorSize()
	fmt.Printf("opened %s: size=%s logical-sector=%d physical-sector=%d queues=%d read-only=%v discard=%v\n",
		cfg.Path, formatSize(ctx.Size()), logical, physical, ctx.NumQueues(), ctx.ReadOnly(), ctx.DiscardCapable())

	switch *op {
	case "probe":
		// Nothing further to do; the open sequence itself is the probe.
	case "read":
		if err := doRead(ctx, *queue, *offset, size); err != nil {
			log.Fatalf("read failed: %v", err)
		}
	case "write":
		if err := doWrite(ctx, *queue, *offset, size, 0xAB); err != nil {
			log.Fatalf("write failed: %v", err)
		}
	case "fill":
		if err := doFill(ctx, *queue); err != nil {
			log.Fatalf("fill failed: %v", err)
		}
	case "discard":
		if err := doDiscard(ctx, *queue, *offset, size); err != nil {
			log.Fatalf("discard failed: %v", err)
		}
	case "bench":
		runBench(ctx, *queue, size, time.Duration(*seconds)*time.Second)
	default:
		log.Fatalf("unknown -op %q", *op)
	}

	snap := ctx.MetricsSnapshot()
	fmt.Printf("\nmetrics: reads=%d writes=%d read-bytes=%d write-bytes=%d avg-latency=%s error-rate=%.2f%%\n",
		snap.ReadOps, snap.WriteOps, snap.ReadBytes, snap.WriteBytes,
		time.Duration(snap.AvgLatencyNs), snap.ErrorRate)
}

func doRead(ctx *blkio.Context, qidx int, offset int64, size int64) error {
	buf := make([]byte, size)
	done := make(chan error, 1)
	req := &blkio.Request{
		Offset: offset,
		IOVec:  []blkio.IOVec{{Base: buf}},
		Resid:  int64(len(buf)),
		QIdx:   qidx,
		Callback: func(_ *blkio.Request, err error) {
			done <- err
		},
	}
	if err := ctx.Read(req); err != nil {
		return err
	}
	if err := <-done; err != nil {
		return err
	}
	fmt.Printf("read %d bytes at offset %d\n", size-req.Resid, offset)
	return nil
}

func doWrite(ctx *blkio.Context, qidx int, offset int64, size int64, fill byte) error {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = fill
	}
	done := make(chan error, 1)
	req := &blkio.Request{
		Offset: offset,
		IOVec:  []blkio.IOVec{{Base: buf}},
		Resid:  int64(len(buf)),
		QIdx:   qidx,
		Callback: func(_ *blkio.Request, err error) {
			done <- err
		},
	}
	if err := ctx.Write(req); err != nil {
		return err
	}
	if err := <-done; err != nil {
		return err
	}
	fmt.Printf("wrote %d bytes at offset %d\n", size-req.Resid, offset)
	return nil
}

// doFill writes a repeating pattern across the whole backing, one sector
// at a time, then issues a flush, for a crude end-to-end smoke test.
func doFill(ctx *blkio.Context, qidx int) error {
	logical, _ := ctx.SectorSize()
	total := ctx.Size()
	var off int64
	for off < total {
		n := int64(logical)
		if off+n > total {
			n = total - off
		}
		if err := doWrite(ctx, qidx, off, n, byte(off/n)); err != nil {
			return err
		}
		off += n
	}
	done := make(chan error, 1)
	flushReq := &blkio.Request{QIdx: qidx, Callback: func(_ *blkio.Request, err error) { done <- err }}
	if err := ctx.Flush(flushReq); err != nil {
		return err
	}
	return <-done
}

// doDiscard requests the backing forget the contents of [offset,
// offset+size), deriving a single discard range from Offset/Resid.
func doDiscard(ctx *blkio.Context, qidx int, offset int64, size int64) error {
	done := make(chan error, 1)
	req := &blkio.Request{
		Offset: offset,
		Resid:  size,
		QIdx:   qidx,
		Callback: func(_ *blkio.Request, err error) {
			done <- err
		},
	}
	if err := ctx.Discard(req); err != nil {
		return err
	}
	if err := <-done; err != nil {
		return err
	}
	fmt.Printf("discarded %d bytes at offset %d\n", size, offset)
	return nil
}

// runBench fires concurrent 50/50 read/write requests at random aligned
// offsets for the given duration and reports achieved IOPS.
func runBench(ctx *blkio.Context, qidx int, size int64, dur time.Duration) {
	logical, _ := ctx.SectorSize()
	// Number of sector-aligned start offsets at which a size-byte transfer
	// still fits inside the backing.
	starts := (ctx.Size()-size)/int64(logical) + 1

	var wg sync.WaitGroup
	var completed, errored int64
	var mu sync.Mutex
	stop := make(chan struct{})

	worker := func(seed int64) {
		defer wg.Done()
		rng := rand.New(rand.NewSource(seed))
		buf := make([]byte, size)
		for {
			select {
			case <-stop:
				return
			default:
			}
			offset := rng.Int63n(starts) * int64(logical)
			req := &blkio.Request{
				Offset: offset,
				IOVec:  []blkio.IOVec{{Base: buf}},
				Resid:  int64(len(buf)),
				QIdx:   qidx,
			}
			done := make(chan error, 1)
			req.Callback = func(_ *blkio.Request, err error) { done <- err }

			var submitErr error
			if rng.Intn(2) == 0 {
				submitErr = ctx.Read(req)
			} else {
				submitErr = ctx.Write(req)
			}
			if submitErr == nil {
				submitErr = <-done
			}

			mu.Lock()
			if submitErr != nil {
				errored++
			} else {
				completed++
			}
			mu.Unlock()
		}
	}

	workers := ctx.NumQueues() * 4
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go worker(int64(i) + 1)
	}

	time.Sleep(dur)
	close(stop)
	wg.Wait()

	iops := float64(completed) / dur.Seconds()
	fmt.Printf("bench: completed=%d errored=%d duration=%s iops=%.0f\n", completed, errored, dur, iops)
}

// parseSize parses a size string like "64M", "1G", "4K".
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string.
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
