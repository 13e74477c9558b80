// Package capacity reconciles each bucket's stored usage with what its
// object listing actually adds up to.
package capacity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/arencloud/hermes-upload/internal/authz"
	"github.com/arencloud/hermes-upload/internal/logging"
	"github.com/arencloud/hermes-upload/internal/metrics"
	"github.com/arencloud/hermes-upload/internal/models"
	"github.com/arencloud/hermes-upload/internal/s3"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// DefaultCapacityGB applies to buckets registered without a capacity.
const DefaultCapacityGB = 25

const (
	mib = 1024 * 1024
	gib = 1024 * mib
)

type Status string

const (
	StatusSuccess  Status = "Success"
	StatusError    Status = "Error"
	StatusNotFound Status = "NotFound"
)

// UsageSnapshot is the outcome of refreshing one requested bucket id.
type UsageSnapshot struct {
	BucketID            uint      `json:"bucket"`
	Name                string    `json:"name,omitempty"`
	Status              Status    `json:"status"`
	StorageUsedBytes    int64     `json:"storageUsedBytes"`
	ObjectCount         int64     `json:"objectCount"`
	StorageUsedMB       string    `json:"storageUsedMB,omitempty"`
	StorageUsedGB       string    `json:"storageUsedGB,omitempty"`
	TotalCapacityGB     float64   `json:"totalCapacityGB,omitempty"`
	AvailableCapacityGB string    `json:"availableCapacityGB,omitempty"`
	Error               string    `json:"error,omitempty"`
	RefreshedAt         time.Time `json:"refreshedAt"`
}

// Registry is what the accountant needs from the bucket registry.
type Registry interface {
	Resolve(ctx context.Context, ids []uint) ([]models.BucketConfig, error)
	Gateway(ctx context.Context, b models.BucketConfig) (s3.Gateway, error)
	UpdateUsage(ctx context.Context, g authz.Grant, id uint, usedBytes int64, at time.Time) error
}

type Accountant struct {
	registry    Registry
	concurrency int
	logger      logging.Logger
	now         func() time.Time
}

func New(reg Registry, concurrency int, logger logging.Logger) *Accountant {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Accountant{registry: reg, concurrency: concurrency, logger: logger, now: time.Now}
}

// Refresh measures every requested bucket and persists usage for those that
// listed cleanly. The result has one snapshot per requested id, in request
// order; a repeated id is measured once and its snapshot repeated. Only a
// failing registry lookup aborts the batch.
func (a *Accountant) Refresh(ctx context.Context, g authz.Grant, ids []uint) ([]UsageSnapshot, error) {
	unique, byID, err := a.resolve(ctx, g, ids)
	if err != nil {
		return nil, err
	}
	snaps := make([]UsageSnapshot, len(unique))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(a.concurrency)
	for i, id := range unique {
		b, ok := byID[id]
		if !ok {
			snaps[i] = UsageSnapshot{BucketID: id, Status: StatusNotFound, Error: "bucket not found", RefreshedAt: a.now()}
			metrics.RefreshResults.WithLabelValues(string(StatusNotFound)).Inc()
			continue
		}
		eg.Go(func() error {
			// per-bucket failures never cancel siblings
			snaps[i] = a.refreshOne(ectx, g, b)
			return nil
		})
	}
	_ = eg.Wait()
	return spread(ids, unique, snaps), nil
}

// resolve checks the grant for every id and loads the distinct ones.
func (a *Accountant) resolve(ctx context.Context, g authz.Grant, ids []uint) ([]uint, map[uint]models.BucketConfig, error) {
	unique := make([]uint, 0, len(ids))
	seen := make(map[uint]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		if err := g.RequireBucket(id); err != nil {
			return nil, nil, err
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	buckets, err := a.registry.Resolve(ctx, unique)
	if err != nil {
		return nil, nil, err
	}
	byID := make(map[uint]models.BucketConfig, len(buckets))
	for _, b := range buckets {
		byID[b.ID] = b
	}
	return unique, byID, nil
}

// spread maps results computed for unique back onto every position of ids.
func spread[T any](ids, unique []uint, results []T) []T {
	at := make(map[uint]int, len(unique))
	for i, id := range unique {
		at[id] = i
	}
	out := make([]T, len(ids))
	for i, id := range ids {
		out[i] = results[at[id]]
	}
	return out
}

func (a *Accountant) refreshOne(ctx context.Context, g authz.Grant, b models.BucketConfig) UsageSnapshot {
	start := a.now()
	log := a.logger.With("bucketId", b.ID, "bucket", b.Name)
	used, count, err := a.measure(ctx, b)
	metrics.RefreshDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		log.Error("usage refresh failed", "error", err.Error())
		metrics.RefreshResults.WithLabelValues(string(StatusError)).Inc()
		return UsageSnapshot{BucketID: b.ID, Name: b.Name, Status: StatusError, Error: err.Error(), RefreshedAt: a.now()}
	}

	snap := Snapshot(b, used, a.now())
	snap.ObjectCount = count
	if err := a.registry.UpdateUsage(ctx, g, b.ID, used, snap.RefreshedAt); err != nil {
		log.Error("usage persist failed", "error", err.Error())
		metrics.RefreshResults.WithLabelValues(string(StatusError)).Inc()
		return UsageSnapshot{BucketID: b.ID, Name: b.Name, Status: StatusError, Error: err.Error(), RefreshedAt: a.now()}
	}
	metrics.RefreshResults.WithLabelValues(string(StatusSuccess)).Inc()
	metrics.BucketUsedBytes.WithLabelValues(strconv.FormatUint(uint64(b.ID), 10)).Set(float64(used))
	log.Info("usage refreshed", "used", humanize.IBytes(uint64(used)), "objects", count, "available", snap.AvailableCapacityGB)
	return snap
}

func (a *Accountant) measure(ctx context.Context, b models.BucketConfig) (int64, int64, error) {
	gw, err := a.registry.Gateway(ctx, b)
	if err != nil {
		return 0, 0, err
	}
	if !gw.Probe(ctx) {
		return 0, 0, fmt.Errorf("bucket %s is not reachable", b.Name)
	}
	var used, count int64
	for o, err := range gw.ListAllObjects(ctx) {
		if err != nil {
			return 0, 0, err
		}
		used += o.SizeBytes
		count++
	}
	return used, count, nil
}

// Snapshot computes the display figures for a bucket using usedBytes.
func Snapshot(b models.BucketConfig, usedBytes int64, at time.Time) UsageSnapshot {
	capGB := b.TotalCapacityGB
	if capGB <= 0 {
		capGB = DefaultCapacityGB
	}
	avail := max(capGB*gib-float64(usedBytes), 0)
	return UsageSnapshot{
		BucketID:            b.ID,
		Name:                b.Name,
		Status:              StatusSuccess,
		StorageUsedBytes:    usedBytes,
		StorageUsedMB:       fmt.Sprintf("%.2f MB", float64(usedBytes)/mib),
		StorageUsedGB:       fmt.Sprintf("%.2f GB", float64(usedBytes)/gib),
		TotalCapacityGB:     capGB,
		AvailableCapacityGB: fmt.Sprintf("%.2f GB", avail/gib),
		RefreshedAt:         at,
	}
}
