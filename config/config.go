// Package config parses and validates the engine's key-value configuration map (§6),
// in the validation style of persistence.Initialize/validateDev: reject unknown keys, check
// ranges, return errors.Errorf.
package config

import (
	"strconv"

	"github.com/pkg/errors"
)

// Defaults for options §6 marks optional.
const (
	DefaultDiskAlignment           = 512
	DefaultJournalSectorBufferCnt = 32
)

// Config is the parsed and validated form of the §6 key-value map.
type Config struct {
	DataDevice    string
	MetaDevice    string
	JournalDevice string

	BlockSize     int64
	JournalLen    uint64
	MetaOffset    int64
	DataOffset    int64
	JournalOffset int64

	DiskAlignment            int64
	JournalSectorBufferCount int
}

// recognized is the closed set of keys §6 allows; anything else is rejected.
var recognized = map[string]bool{
	"data_device":                 true,
	"meta_device":                 true,
	"journal_device":              true,
	"block_size":                  true,
	"journal_len":                 true,
	"meta_offset":                 true,
	"data_offset":                 true,
	"journal_offset":              true,
	"disk_alignment":              true,
	"journal_sector_buffer_count": true,
}

// Parse validates raw against §6's key-value contract and returns the typed Config.
func Parse(raw map[string]string) (Config, error) {
	for k := range raw {
		if !recognized[k] {
			return Config{}, errors.Errorf("unrecognized config key %q", k)
		}
	}

	cfg := Config{
		DiskAlignment:            DefaultDiskAlignment,
		JournalSectorBufferCount: DefaultJournalSectorBufferCnt,
	}

	var ok bool
	if cfg.DataDevice, ok = raw["data_device"]; !ok || cfg.DataDevice == "" {
		return Config{}, errors.New("data_device is required")
	}
	if cfg.MetaDevice, ok = raw["meta_device"]; !ok || cfg.MetaDevice == "" {
		return Config{}, errors.New("meta_device is required")
	}
	if v, ok := raw["journal_device"]; ok && v != "" {
		cfg.JournalDevice = v
	} else {
		cfg.JournalDevice = cfg.MetaDevice
	}

	var err error
	if cfg.BlockSize, err = requiredInt64(raw, "block_size"); err != nil {
		return Config{}, err
	}
	if cfg.BlockSize <= 0 || cfg.BlockSize%DefaultDiskAlignment != 0 {
		return Config{}, errors.Errorf("block_size must be a positive multiple of %d, got %d", DefaultDiskAlignment, cfg.BlockSize)
	}

	journalLen, err := requiredInt64(raw, "journal_len")
	if err != nil {
		return Config{}, err
	}
	if journalLen <= 0 {
		return Config{}, errors.Errorf("journal_len must be positive, got %d", journalLen)
	}
	cfg.JournalLen = uint64(journalLen)

	if cfg.MetaOffset, err = optionalInt64(raw, "meta_offset", 0); err != nil {
		return Config{}, err
	}
	if cfg.DataOffset, err = optionalInt64(raw, "data_offset", 0); err != nil {
		return Config{}, err
	}
	if cfg.JournalOffset, err = optionalInt64(raw, "journal_offset", 0); err != nil {
		return Config{}, err
	}
	if cfg.MetaOffset < 0 || cfg.DataOffset < 0 || cfg.JournalOffset < 0 {
		return Config{}, errors.New("region offsets must be non-negative")
	}

	if cfg.DiskAlignment, err = optionalInt64(raw, "disk_alignment", DefaultDiskAlignment); err != nil {
		return Config{}, err
	}
	if cfg.DiskAlignment <= 0 || cfg.DiskAlignment&(cfg.DiskAlignment-1) != 0 {
		return Config{}, errors.Errorf("disk_alignment must be a power of two, got %d", cfg.DiskAlignment)
	}

	bufCount, err := optionalInt64(raw, "journal_sector_buffer_count", DefaultJournalSectorBufferCnt)
	if err != nil {
		return Config{}, err
	}
	if bufCount <= 0 {
		return Config{}, errors.Errorf("journal_sector_buffer_count must be positive, got %d", bufCount)
	}
	cfg.JournalSectorBufferCount = int(bufCount)

	return cfg, nil
}

func requiredInt64(raw map[string]string, key string) (int64, error) {
	v, ok := raw[key]
	if !ok || v == "" {
		return 0, errors.Errorf("%s is required", key)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return n, nil
}

func optionalInt64(raw map[string]string, key string, def int64) (int64, error) {
	v, ok := raw[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return n, nil
}
