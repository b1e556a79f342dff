package election

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var joinRetryInterval = 5 * time.Second

// joinLoop asks the configured monitors to add this one as a voter until one
// accepts or a leader becomes known.
func (r *Raft) joinLoop(ctx context.Context, advertise string) {
	for attempt := 1; ; attempt++ {
		if addr, _ := r.raft.LeaderWithID(); addr != "" {
			klog.InfoS("Raft leader known, join not needed", "leader", addr)
			return
		}

		for _, target := range r.cfg.Join {
			err := r.requestJoin(ctx, target, advertise)
			if err == nil {
				klog.InfoS("Joined raft cluster", "via", target, "attempt", attempt)
				return
			}
			klog.V(2).InfoS("Join attempt failed", "via", target, "attempt", attempt, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(joinRetryInterval):
		}
	}
}

func (r *Raft) requestJoin(ctx context.Context, target, advertise string) error {
	body, err := json.Marshal(AddVoterRequest{ID: r.cfg.ID, Address: advertise})
	if err != nil {
		return errors.Wrap(err, "failed to marshal join request")
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s/raft/add-voter", target)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to create join request")
	}
	req.Header.Set("Content-Type", "application/json")
	if err := r.cfg.Authenticator.SignRequest(req); err != nil {
		return errors.Wrap(err, "failed to sign join request")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to contact monitor")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("join request failed with status %d", resp.StatusCode)
	}
	return nil
}
