package election

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
	"github.com/sindef/redis-failover/pkg/cluster"
	"k8s.io/klog/v2"
)

// AddVoterRequest asks the leader to add a monitor to the voter set.
type AddVoterRequest struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// RaftStatus is this monitor's view of the raft cluster.
type RaftStatus struct {
	ID         string         `json:"id"`
	State      string         `json:"state"`
	LeaderAddr string         `json:"leader_addr"`
	LeaderID   string         `json:"leader_id"`
	Leading    bool           `json:"leading"`
	Epoch      cluster.Epoch  `json:"epoch"`
	Primary    cluster.NodeID `json:"primary,omitempty"`
}

// Status returns the current raft status.
func (r *Raft) Status() RaftStatus {
	rec := r.fsm.record()
	st := RaftStatus{
		ID:      r.cfg.ID,
		State:   "Uninitialized",
		Epoch:   rec.Epoch,
		Primary: rec.Primary,
	}
	if r.raft == nil {
		return st
	}
	addr, id := r.raft.LeaderWithID()
	st.State = r.raft.State().String()
	st.LeaderAddr = string(addr)
	st.LeaderID = string(id)
	st.Leading = r.IsLeader()
	return st
}

// HandleRaftStatus serves GET /raft/status.
func (r *Raft) HandleRaftStatus(w http.ResponseWriter, req *http.Request) {
	if r.raft == nil {
		http.Error(w, "Raft not initialized", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, r.Status())
}

// HandleAddVoter serves POST /raft/add-voter.
func (r *Raft) HandleAddVoter(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.raft == nil {
		http.Error(w, "Raft not initialized", http.StatusServiceUnavailable)
		return
	}

	var request AddVoterRequest
	if err := json.NewDecoder(req.Body).Decode(&request); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if request.ID == "" || request.Address == "" {
		http.Error(w, "ID and Address are required", http.StatusBadRequest)
		return
	}

	if r.cfg.Debug {
		klog.InfoS("Received AddVoter request", "id", request.ID, "address", request.Address)
	}

	added, err := r.AddVoter(request.ID, request.Address)
	switch {
	case errors.Is(err, ErrNotLeader):
		leaderAddr, _ := r.raft.LeaderWithID()
		http.Error(w, fmt.Sprintf("Not the leader, leader is: %s", leaderAddr), http.StatusConflict)
		return
	case err != nil:
		klog.ErrorS(err, "Failed to add voter", "id", request.ID, "address", request.Address)
		http.Error(w, fmt.Sprintf("Failed to add voter: %v", err), http.StatusInternalServerError)
		return
	}

	status := "added"
	if !added {
		status = "already_member"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// HandleRaftPeers serves GET /raft/peers.
func (r *Raft) HandleRaftPeers(w http.ResponseWriter, req *http.Request) {
	servers, err := r.Servers()
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get configuration: %v", err), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]string, 0, len(servers))
	for _, server := range servers {
		out = append(out, map[string]string{
			"id":       string(server.ID),
			"address":  string(server.Address),
			"suffrage": server.Suffrage.String(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"servers": out,
		"count":   len(out),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.V(2).InfoS("Failed to write response", "error", err)
	}
}
