package capacity

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/arencloud/hermes-upload/internal/authz"
	"github.com/arencloud/hermes-upload/internal/config"
	"github.com/arencloud/hermes-upload/internal/db"
	"github.com/arencloud/hermes-upload/internal/logging"
	"github.com/arencloud/hermes-upload/internal/models"
	"github.com/arencloud/hermes-upload/internal/registry"
	"github.com/arencloud/hermes-upload/internal/s3"
	"github.com/arencloud/hermes-upload/internal/s3/s3test"
	"github.com/arencloud/hermes-upload/internal/vault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("database/sql.(*DB).connectionOpener"),
		goleak.IgnoreAnyFunction("database/sql.(*DB).connectionCleaner"),
	)
}

type fixture struct {
	store    *registry.GormStore
	registry *registry.Registry
	dialer   *s3test.Dialer
	vault    *vault.Vault
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{DBDriver: "sqlite", DBPath: filepath.Join(t.TempDir(), "hermes.db")}
	gdb, err := db.Open(cfg, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	key, err := vault.GenerateMasterKey()
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)
	f := &fixture{store: registry.NewGormStore(gdb), vault: v}
	f.dialer = &s3test.Dialer{Gateways: map[string]*s3test.Gateway{}, Vault: v}
	f.registry = registry.New(f.store, v, f.dialer, logging.Nop())
	return f
}

func (f *fixture) bucket(t *testing.T, name string, capacityGB float64, usedBefore int64, gw *s3test.Gateway) models.BucketConfig {
	t.Helper()
	ak, err := f.vault.EncryptSecret("AK")
	require.NoError(t, err)
	sk, err := f.vault.EncryptSecret("SK")
	require.NoError(t, err)
	b := models.BucketConfig{Name: name, Provider: "minio", Endpoint: "http://minio:9000", AccessKeyEncrypted: ak, SecretKeyEncrypted: sk, TotalCapacityGB: capacityGB, StorageUsedBytes: usedBefore}
	require.NoError(t, f.store.Create(context.Background(), &b))
	f.dialer.Gateways[name] = gw
	return b
}

func (f *fixture) stored(t *testing.T, id uint) int64 {
	t.Helper()
	b, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return b.StorageUsedBytes
}

func TestRefreshValidAndMissing(t *testing.T) {
	f := newFixture(t)
	gw := &s3test.Gateway{ProbeOK: true, Objects: []s3.ObjectMeta{{Key: "a", SizeBytes: 100}, {Key: "b", SizeBytes: 23}}}
	b := f.bucket(t, "media", 25, 7, gw)
	a := New(f.registry, 2, logging.Nop())

	snaps, err := a.Refresh(context.Background(), authz.System(), []uint{b.ID, 999})
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	assert.Equal(t, StatusSuccess, snaps[0].Status)
	assert.Equal(t, int64(123), snaps[0].StorageUsedBytes)
	assert.Equal(t, int64(2), snaps[0].ObjectCount)
	assert.Equal(t, int64(123), f.stored(t, b.ID))

	assert.Equal(t, StatusNotFound, snaps[1].Status)
	assert.Equal(t, uint(999), snaps[1].BucketID)
}

func TestRefreshErrorKeepsLastKnownGood(t *testing.T) {
	f := newFixture(t)
	good := f.bucket(t, "good", 10, 0, &s3test.Gateway{ProbeOK: true, Objects: []s3.ObjectMeta{{Key: "x", SizeBytes: 5}}})
	broken := f.bucket(t, "broken", 10, 4242, &s3test.Gateway{
		ProbeOK: true,
		Objects: []s3.ObjectMeta{{Key: "y", SizeBytes: 1}},
		ListErr: &s3.PaginationError{Bucket: "broken", Token: "t1"},
	})
	offline := f.bucket(t, "offline", 10, 77, &s3test.Gateway{ProbeOK: false})
	a := New(f.registry, 3, logging.Nop())

	snaps, err := a.Refresh(context.Background(), authz.System(), []uint{broken.ID, good.ID, offline.ID, good.ID})
	require.NoError(t, err)
	require.Len(t, snaps, 4, "one snapshot per requested id")

	assert.Equal(t, StatusError, snaps[0].Status)
	assert.Contains(t, snaps[0].Error, "continuation token")
	assert.Equal(t, int64(4242), f.stored(t, broken.ID))

	assert.Equal(t, StatusSuccess, snaps[1].Status)
	assert.Equal(t, int64(5), f.stored(t, good.ID))

	assert.Equal(t, StatusError, snaps[2].Status)
	assert.Equal(t, int64(77), f.stored(t, offline.ID))
	assert.Zero(t, f.dialer.Gateways["offline"].Lists, "unreachable buckets are not listed")

	assert.Equal(t, snaps[1], snaps[3])
	assert.Equal(t, 1, f.dialer.Gateways["good"].Lists, "repeated ids are measured once")
}

func TestRefreshUndecryptableBucket(t *testing.T) {
	f := newFixture(t)
	b := models.BucketConfig{Name: "foreign", Provider: "minio", AccessKeyEncrypted: "v1.AAAA", SecretKeyEncrypted: "v1.AAAA", StorageUsedBytes: 9}
	require.NoError(t, f.store.Create(context.Background(), &b))
	a := New(f.registry, 1, logging.Nop())

	snaps, err := a.Refresh(context.Background(), authz.System(), []uint{b.ID})
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, StatusError, snaps[0].Status)
	assert.Equal(t, int64(9), f.stored(t, b.ID))
}

func TestRefreshRequiresGrant(t *testing.T) {
	f := newFixture(t)
	b := f.bucket(t, "media", 25, 0, &s3test.Gateway{ProbeOK: true})
	a := New(f.registry, 1, logging.Nop())

	own := authz.FromCapability(vault.Capability{Scope: vault.ScopeAdmin, BucketID: b.ID})
	_, err := a.Refresh(context.Background(), own, []uint{b.ID})
	require.NoError(t, err)

	_, err = a.Refresh(context.Background(), own, []uint{b.ID, b.ID + 1})
	assert.True(t, errors.Is(err, authz.ErrForbidden))
}

func TestSnapshotFigures(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cases := []struct {
		name      string
		capGB     float64
		used      int64
		usedMB    string
		usedGB    string
		available string
	}{
		{"10GiB of 25GB", 25, 10 * gib, "10240.00 MB", "10.00 GB", "15.00 GB"},
		{"default capacity", 0, 5 * gib, "5120.00 MB", "5.00 GB", "20.00 GB"},
		{"over capacity floors at zero", 1, 3 * gib, "3072.00 MB", "3.00 GB", "0.00 GB"},
		{"empty", 2, 0, "0.00 MB", "0.00 GB", "2.00 GB"},
	}
	for _, c := range cases {
		s := Snapshot(models.BucketConfig{ID: 1, TotalCapacityGB: c.capGB}, c.used, at)
		assert.Equal(t, c.usedMB, s.StorageUsedMB, c.name)
		assert.Equal(t, c.usedGB, s.StorageUsedGB, c.name)
		assert.Equal(t, c.available, s.AvailableCapacityGB, c.name)
		assert.Equal(t, StatusSuccess, s.Status, c.name)
	}
}

func TestWorkerRefreshesOnStart(t *testing.T) {
	f := newFixture(t)
	gw := &s3test.Gateway{ProbeOK: true, Objects: []s3.ObjectMeta{{Key: "a", SizeBytes: 64}}}
	b := f.bucket(t, "media", 25, 0, gw)
	w := NewWorker(New(f.registry, 1, logging.Nop()), f.registry, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		got, err := f.store.Get(context.Background(), b.ID)
		return err == nil && got.StorageUsedBytes == 64
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestConnections(t *testing.T) {
	f := newFixture(t)
	up := f.bucket(t, "up", 10, 0, &s3test.Gateway{ProbeOK: true})
	down := f.bucket(t, "down", 10, 55, &s3test.Gateway{ProbeOK: false})
	foreign := models.BucketConfig{Name: "foreign", Provider: "minio", AccessKeyEncrypted: "v1.AAAA", SecretKeyEncrypted: "v1.AAAA"}
	require.NoError(t, f.store.Create(context.Background(), &foreign))
	a := New(f.registry, 2, logging.Nop())

	got, err := a.TestConnections(context.Background(), authz.System(), []uint{down.ID, up.ID, 999, foreign.ID, up.ID})
	require.NoError(t, err)
	require.Len(t, got, 5)

	cases := []struct {
		id     uint
		status Status
	}{
		{down.ID, StatusError},
		{up.ID, StatusSuccess},
		{999, StatusNotFound},
		{foreign.ID, StatusError},
		{up.ID, StatusSuccess},
	}
	for i, c := range cases {
		assert.Equal(t, c.id, got[i].BucketID, "position %d", i)
		assert.Equal(t, c.status, got[i].Status, "position %d", i)
	}
	assert.Contains(t, got[0].Error, "not reachable")
	assert.Equal(t, 1, f.dialer.Gateways["up"].Probes)
	assert.Zero(t, f.dialer.Gateways["up"].Lists, "connection tests never list")
	assert.Equal(t, int64(55), f.stored(t, down.ID))
}

func TestConnectionsRequiresGrant(t *testing.T) {
	f := newFixture(t)
	b := f.bucket(t, "media", 25, 0, &s3test.Gateway{ProbeOK: true})
	a := New(f.registry, 1, logging.Nop())

	_, err := a.TestConnections(context.Background(), authz.FromCapability(vault.Capability{Scope: vault.ScopeAdmin, BucketID: b.ID + 1}), []uint{b.ID})
	require.ErrorIs(t, err, authz.ErrForbidden)
	assert.Zero(t, f.dialer.Gateways["media"].Probes)
}
