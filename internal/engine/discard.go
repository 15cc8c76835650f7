package engine

import (
	"github.com/blkio-go/blkio/internal/backing"
	"github.com/blkio-go/blkio/internal/ioerr"
	"github.com/blkio-go/blkio/internal/ioreq"
	"github.com/blkio-go/blkio/internal/logging"
)

const maxDiscardSegments = 256

// ExecuteDiscard implements the discard path shared by both engines, per
// spec.md §4.6: reject on read-only or non-discard-capable backings, parse
// the range vector (explicit Ranges, or a single range derived from
// Offset/Resid), validate each range, then issue it against b. b is
// expected to already be sub-range-scoped; each range is checked with
// b.Translate, so a range outside b's bounds is rejected as invalid-arg
// before anything is discarded. logger may be nil in tests that drive this
// function directly.
func ExecuteDiscard(b backing.Backing, limits DiscardLimits, readOnly bool, req *ioreq.Request, logger *logging.Logger) error {
	if readOnly {
		return ioerr.New("discard", ioerr.CodeReadOnlyFS, "context is read-only")
	}
	if !b.DiscardCapable() {
		if logger != nil {
			logger.Warnf("discard rejected: backing does not support discard")
		}
		return ioerr.New("discard", ioerr.CodeNotSupported, "backing does not support discard")
	}

	ranges := req.Ranges
	if len(ranges) == 0 {
		ranges = []ioreq.DiscardRange{{
			Sector:     uint64(req.Offset) / uint64(limits.SectorSize),
			NumSectors: uint64(req.Resid) / uint64(limits.SectorSize),
		}}
	}
	if len(ranges) > maxDiscardSegments {
		return ioerr.New("discard", ioerr.CodeInvalidArg, "too many discard segments")
	}

	for _, r := range ranges {
		if r.NumSectors == 0 {
			return ioerr.New("discard", ioerr.CodeInvalidArg, "zero-length discard range")
		}
		if limits.MaxSectors > 0 && r.NumSectors > uint64(limits.MaxSectors) {
			return ioerr.New("discard", ioerr.CodeInvalidArg, "discard range exceeds max_discard_sectors")
		}
		if limits.SectorAlignment > 0 && r.Sector%uint64(limits.SectorAlignment) != 0 {
			return ioerr.New("discard", ioerr.CodeInvalidArg, "discard start not aligned")
		}
		off := int64(r.Sector) * limits.SectorSize
		length := int64(r.NumSectors) * limits.SectorSize
		if _, err := b.Translate(off, length); err != nil {
			return ioerr.New("discard", ioerr.CodeInvalidArg, "discard range escapes backing")
		}
		if err := b.Discard(off, length); err != nil {
			return ioerr.Wrap("discard", err)
		}
	}

	if logger != nil {
		logger.Debugf("discard complete: ranges=%d sector-size=%d", len(ranges), limits.SectorSize)
	}
	req.Resid = 0
	return nil
}
