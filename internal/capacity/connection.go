package capacity

import (
	"context"
	"time"

	"github.com/arencloud/hermes-upload/internal/authz"
	"github.com/arencloud/hermes-upload/internal/models"

	"golang.org/x/sync/errgroup"
)

// ConnectionStatus is the outcome of probing one requested bucket id.
type ConnectionStatus struct {
	BucketID  uint      `json:"bucket"`
	Name      string    `json:"name,omitempty"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// TestConnections probes each requested bucket with its stored credentials.
// Nothing is persisted. Results follow the same ordering rules as Refresh.
func (a *Accountant) TestConnections(ctx context.Context, g authz.Grant, ids []uint) ([]ConnectionStatus, error) {
	unique, byID, err := a.resolve(ctx, g, ids)
	if err != nil {
		return nil, err
	}
	out := make([]ConnectionStatus, len(unique))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(a.concurrency)
	for i, id := range unique {
		b, ok := byID[id]
		if !ok {
			out[i] = ConnectionStatus{BucketID: id, Status: StatusNotFound, Error: "bucket not found", CheckedAt: a.now()}
			continue
		}
		eg.Go(func() error {
			out[i] = a.probeOne(ectx, b)
			return nil
		})
	}
	_ = eg.Wait()
	return spread(ids, unique, out), nil
}

func (a *Accountant) probeOne(ctx context.Context, b models.BucketConfig) ConnectionStatus {
	st := ConnectionStatus{BucketID: b.ID, Name: b.Name, Status: StatusSuccess}
	gw, err := a.registry.Gateway(ctx, b)
	switch {
	case err != nil:
		a.logger.Error("connection test failed", "bucketId", b.ID, "error", err.Error())
		st.Status, st.Error = StatusError, err.Error()
	case !gw.Probe(ctx):
		st.Status, st.Error = StatusError, "bucket "+b.Name+" is not reachable"
	}
	st.CheckedAt = a.now()
	return st
}
