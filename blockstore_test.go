package blockstore_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/blockstore"
	"github.com/outofforest/blockstore/config"
	"github.com/outofforest/blockstore/devio"
	"github.com/outofforest/blockstore/oid"
	"github.com/outofforest/blockstore/queue"
)

const (
	blockSize  = 4096
	nBlocks    = 4
	journalLen = 64 * 1024
)

func testCfg() config.Config {
	return config.Config{
		BlockSize:                blockSize,
		JournalLen:               journalLen,
		DiskAlignment:            512,
		JournalSectorBufferCount: 4,
	}
}

func newDevices() (data, meta, jdev *devio.MemDevice) {
	return devio.NewMemDevice(blockSize * nBlocks),
		devio.NewMemDevice(32 * nBlocks),
		devio.NewMemDevice(journalLen)
}

func openFreshStore(t *testing.T) *blockstore.Store {
	t.Helper()
	data, meta, jdev := newDevices()

	deviceID, err := blockstore.Format(jdev, meta, false)
	require.NoError(t, err)

	store, err := blockstore.Open(testCfg(), data, meta, jdev, prometheus.NewRegistry())
	require.NoError(t, err)
	require.Equal(t, deviceID, store.DeviceID())
	return store
}

func TestSmallWriteSyncStabilizeRead(t *testing.T) {
	requireT := require.New(t)
	store := openFreshStore(t)

	id := oid.New(1, 0)
	payload := []byte("hello, block storage world!!!!!") // 31 bytes, padded to alignment below
	data := make([]byte, 512)
	copy(data, payload)

	n, err := store.Write(id, 1, 0, data)
	requireT.NoError(err)
	requireT.Equal(len(data), n)

	requireT.NoError(store.Sync(nil))
	requireT.NoError(store.Stabilize([]queue.VersionRef{{OID: id, Version: 1}}))

	got := make([]byte, 512)
	n, err = store.Read(id, 0, got)
	requireT.NoError(err)
	requireT.Equal(len(got), n)
	requireT.Equal(data, got)
}

func TestBigWriteSyncStabilizeRead(t *testing.T) {
	requireT := require.New(t)
	store := openFreshStore(t)

	id := oid.New(2, 0)
	data := make([]byte, blockSize)
	for i := range data {
		data[i] = byte(i % 251)
	}

	_, err := store.Write(id, 1, 0, data)
	requireT.NoError(err)
	requireT.NoError(store.Sync(nil))
	requireT.NoError(store.Stabilize([]queue.VersionRef{{OID: id, Version: 1}}))

	got := make([]byte, blockSize)
	n, err := store.Read(id, 0, got)
	requireT.NoError(err)
	requireT.Equal(blockSize, n)
	requireT.Equal(data, got)
}

func TestDeleteRetiresObject(t *testing.T) {
	requireT := require.New(t)
	store := openFreshStore(t)

	id := oid.New(3, 0)
	data := make([]byte, 512)
	for i := range data {
		data[i] = 0xAB
	}

	_, err := store.Write(id, 1, 0, data)
	requireT.NoError(err)
	requireT.NoError(store.Sync(nil))
	requireT.NoError(store.Stabilize([]queue.VersionRef{{OID: id, Version: 1}}))

	requireT.NoError(store.Delete(id, 2))
	requireT.NoError(store.Sync(nil))
	requireT.NoError(store.Stabilize([]queue.VersionRef{{OID: id, Version: 2}}))

	got := make([]byte, 512)
	for i := range got {
		got[i] = 0xFF
	}
	n, err := store.Read(id, 0, got)
	requireT.NoError(err)
	requireT.Equal(len(got), n)
	requireT.Equal(make([]byte, 512), got)
}

// TestReopenAfterManyStabilizesPreservesState drives enough write/sync/stabilize cycles to
// push the journal's trim checkpoint well past its first sector, then reopens the same
// devices through a fresh blockstore.Open and checks that the reconstructed store still
// serves the last stabilized version correctly and keeps accepting new writes (§8 Testable
// Properties 4 and 6).
func TestReopenAfterManyStabilizesPreservesState(t *testing.T) {
	requireT := require.New(t)
	data, meta, jdev := newDevices()

	deviceID, err := blockstore.Format(jdev, meta, false)
	requireT.NoError(err)

	store, err := blockstore.Open(testCfg(), data, meta, jdev, prometheus.NewRegistry())
	requireT.NoError(err)
	requireT.Equal(deviceID, store.DeviceID())

	id := oid.New(7, 0)
	var lastData []byte
	const iterations = 40
	for v := uint64(1); v <= iterations; v++ {
		payload := make([]byte, 512)
		for i := range payload {
			payload[i] = byte(v)
		}
		lastData = payload

		_, err := store.Write(id, v, 0, payload)
		requireT.NoError(err)
		requireT.NoError(store.Sync(nil))
		requireT.NoError(store.Stabilize([]queue.VersionRef{{OID: id, Version: v}}))
	}

	reopened, err := blockstore.Open(testCfg(), data, meta, jdev, prometheus.NewRegistry())
	requireT.NoError(err)
	requireT.Equal(deviceID, reopened.DeviceID())

	got := make([]byte, 512)
	n, err := reopened.Read(id, 0, got)
	requireT.NoError(err)
	requireT.Equal(len(got), n)
	requireT.Equal(lastData, got, "the last stabilized version must survive the reopen")

	nextPayload := make([]byte, 512)
	for i := range nextPayload {
		nextPayload[i] = 0xCC
	}
	_, err = reopened.Write(id, iterations+1, 0, nextPayload)
	requireT.NoError(err)
	requireT.NoError(reopened.Sync(nil))
	requireT.NoError(reopened.Stabilize([]queue.VersionRef{{OID: id, Version: iterations + 1}}))

	got2 := make([]byte, 512)
	n, err = reopened.Read(id, 0, got2)
	requireT.NoError(err)
	requireT.Equal(len(got2), n)
	requireT.Equal(nextPayload, got2, "the reopened store must keep accepting and serving new writes")
}

func TestWriteRejectsNonMonotonicVersion(t *testing.T) {
	requireT := require.New(t)
	store := openFreshStore(t)

	id := oid.New(4, 0)
	data := make([]byte, 512)

	_, err := store.Write(id, 5, 0, data)
	requireT.NoError(err)

	_, err = store.Write(id, 5, 0, data)
	requireT.Error(err)

	_, err = store.Write(id, 3, 0, data)
	requireT.Error(err)
}
