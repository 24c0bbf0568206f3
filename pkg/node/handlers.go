package node

import (
	"encoding/json"
	"net/http"
	"os"
	"time"
)

// Healthz returns 200 OK to indicate the relay is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes a JSON payload with the relay id, process ID, current time,
// participant count, frame counter and peer count.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		ID           string    `json:"id"`
		Addr         string    `json:"addr"`
		PID          int       `json:"pid"`
		Now          time.Time `json:"now"`
		Participants int       `json:"participants"`
		Frame        int64     `json:"frame"`
		Peers        int       `json:"peers"`
	}
	n.mu.RLock()
	peers := len(n.peers)
	n.mu.RUnlock()
	writeJSON(w, resp{
		ID:           n.id,
		Addr:         n.addr,
		PID:          os.Getpid(),
		Now:          time.Now(),
		Participants: n.roster.Len(),
		Frame:        n.frames(),
		Peers:        peers,
	})
}

// Participants lists every participant in enumeration order.
func (n *Node) Participants(w http.ResponseWriter, _ *http.Request) {
	type row struct {
		ID        string    `json:"id"`
		Addr      string    `json:"addr,omitempty"`
		HasState  bool      `json:"has_state"`
		StateSize int       `json:"state_size"`
		LastHeard time.Time `json:"last_heard"`
	}
	snap := n.roster.Snapshot()
	out := make([]row, 0, len(snap))
	for _, p := range snap {
		r := row{
			ID:        p.ID().String(),
			HasState:  p.HasState(),
			StateSize: p.StateSize(),
			LastHeard: p.LastHeard(),
		}
		if a := p.Addr(); a.IsValid() {
			r.Addr = a.String()
		}
		out = append(out, r)
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
