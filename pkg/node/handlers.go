package node

import (
	"encoding/json"
	"net/http"
	"os"
	"time"
)

// Progress is the tic counters reported next to the node table.
type Progress interface {
	GameTic() int
	MakeTic() int
}

// Healthz returns 200 OK while the process is up.
func (r *Registry) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info returns a handler writing the process ID, current time, the node
// table and, when p is not nil, the local tic counters.
func (r *Registry) Info(p Progress) http.HandlerFunc {
	type resp struct {
		PID     int          `json:"pid"`
		Now     time.Time    `json:"now"`
		Self    int          `json:"self"`
		Frozen  bool         `json:"frozen"`
		Nodes   []Descriptor `json:"nodes"`
		GameTic *int         `json:"gametic,omitempty"`
		MakeTic *int         `json:"maketic,omitempty"`
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		out := resp{PID: os.Getpid(), Now: time.Now(), Self: r.Self(), Frozen: r.Frozen(), Nodes: r.Nodes()}
		if p != nil {
			g, m := p.GameTic(), p.MakeTic()
			out.GameTic, out.MakeTic = &g, &m
		}
		data, _ := json.Marshal(out)
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}
