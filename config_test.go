package blkio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptionsDefaultsAndOverrides(t *testing.T) {
	cfg, err := ParseOptions("/dev/sdb,ro,nocache,sectorsize=4096/512,range=1024/2048,discard=65535:32:8,aio=io_uring")
	require.NoError(t, err)

	assert.Equal(t, "/dev/sdb", cfg.Path)
	assert.True(t, cfg.ReadOnly)
	assert.True(t, cfg.BypassHostCache)
	assert.Equal(t, 4096, cfg.LogicalSectorSize)
	assert.Equal(t, 512, cfg.PhysicalSectorSize)
	assert.Equal(t, int64(1024), cfg.SubRangeStartSectors)
	assert.Equal(t, int64(2048), cfg.SubRangeLengthSectors)
	assert.Equal(t, uint32(65535), cfg.MaxDiscardSectors)
	assert.Equal(t, uint16(32), cfg.MaxDiscardSegments)
	assert.Equal(t, uint32(8), cfg.DiscardSectorAlignment)
	assert.Equal(t, AIOIOUring, cfg.AIO)
	// io_uring never uses the ordering gate, regardless of the default.
	assert.False(t, cfg.OrderingGate)
}

func TestParseOptionsRejectsUnknownToken(t *testing.T) {
	_, err := ParseOptions("/dev/sdb,bogus")
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeInvalidArg))
}

func TestParseOptionsRejectsEmptyString(t *testing.T) {
	_, err := ParseOptions("")
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeInvalidArg))
}

func TestMaxReqAddsReserveForThreadsNotRing(t *testing.T) {
	cfg := DefaultConfig("/dev/sdb")
	cfg.Workers = 8
	cfg.AIO = AIOThreads
	assert.Equal(t, 8+64, cfg.MaxReq())

	cfg.AIO = AIOIOUring
	assert.Equal(t, 256, cfg.MaxReq())
}

func TestAIOModeString(t *testing.T) {
	assert.Equal(t, "threads", AIOThreads.String())
	assert.Equal(t, "io_uring", AIOIOUring.String())
}
