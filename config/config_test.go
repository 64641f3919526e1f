package config_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/blockstore/config"
)

func validRaw() map[string]string {
	return map[string]string{
		"data_device": "/dev/data",
		"meta_device": "/dev/meta",
		"block_size":  "4096",
		"journal_len": "1048576",
	}
}

func TestParseDefaults(t *testing.T) {
	requireT := require.New(t)

	cfg, err := config.Parse(validRaw())
	requireT.NoError(err)
	requireT.Equal("/dev/data", cfg.DataDevice)
	requireT.Equal("/dev/meta", cfg.JournalDevice, "journal_device defaults to meta_device")
	requireT.EqualValues(config.DefaultDiskAlignment, cfg.DiskAlignment)
	requireT.Equal(config.DefaultJournalSectorBufferCnt, cfg.JournalSectorBufferCount)
}

func TestParseRejectsUnknownKey(t *testing.T) {
	requireT := require.New(t)

	raw := validRaw()
	raw["bogus_option"] = "1"
	_, err := config.Parse(raw)
	requireT.Error(err)
}

func TestParseRejectsMisalignedBlockSize(t *testing.T) {
	requireT := require.New(t)

	raw := validRaw()
	raw["block_size"] = "100"
	_, err := config.Parse(raw)
	requireT.Error(err)
}

func TestParseRejectsMissingRequiredKey(t *testing.T) {
	requireT := require.New(t)

	raw := validRaw()
	delete(raw, "journal_len")
	_, err := config.Parse(raw)
	requireT.Error(err)
}

func TestParseCustomJournalDevice(t *testing.T) {
	requireT := require.New(t)

	raw := validRaw()
	raw["journal_device"] = "/dev/journal"
	raw["disk_alignment"] = "4096"
	raw["journal_sector_buffer_count"] = "8"

	cfg, err := config.Parse(raw)
	requireT.NoError(err)
	requireT.Equal("/dev/journal", cfg.JournalDevice)
	requireT.EqualValues(4096, cfg.DiskAlignment)
	requireT.Equal(8, cfg.JournalSectorBufferCount)
}
