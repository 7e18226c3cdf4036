package node

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ryandielhenn/ticsync/pkg/transport"
)

func newTable(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	if err := r.SetSelf(0); err != nil {
		t.Fatal(err)
	}
	for id, addr := range []transport.Address{"10.0.0.1:5029", "10.0.0.2:5029", "10.0.0.3:5029"} {
		if err := r.Register(id, addr); err != nil {
			t.Fatal(err)
		}
	}
	return r
}

func TestResolve(t *testing.T) {
	r := newTable(t)
	for want, addr := range []transport.Address{"10.0.0.1:5029", "10.0.0.2:5029", "10.0.0.3:5029"} {
		got, ok := r.Resolve(addr)
		if !ok || got != want {
			t.Fatalf("Resolve(%s) = %d,%v want %d,true", addr, got, ok, want)
		}
	}
	if _, ok := r.Resolve("10.0.0.9:5029"); ok {
		t.Fatal("unknown address resolved")
	}
	if _, ok := r.Resolve("10.0.0.2:5030"); ok {
		t.Fatal("same host on another port resolved")
	}
}

func TestFreezeMakesImmutable(t *testing.T) {
	r := newTable(t)
	if err := r.Freeze(); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(3, "10.0.0.4:5029"); !errors.Is(err, ErrFrozen) {
		t.Fatalf("Register after freeze = %v, want ErrFrozen", err)
	}
	if err := r.SetSelf(1); !errors.Is(err, ErrFrozen) {
		t.Fatalf("SetSelf after freeze = %v, want ErrFrozen", err)
	}
	if r.Len() != 3 || r.Self() != 0 {
		t.Fatalf("table changed: len %d self %d", r.Len(), r.Self())
	}
}

func TestFreezeRejectsGaps(t *testing.T) {
	r := NewRegistry()
	_ = r.SetSelf(0)
	_ = r.Register(2, "10.0.0.3:5029")
	if err := r.Freeze(); err == nil {
		t.Fatal("froze a table with a missing id")
	}
}

func TestFreezeNeedsSelf(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(0, "10.0.0.1:5029")
	if err := r.Freeze(); err == nil {
		t.Fatal("froze a table without self")
	}
}

func TestSingleNodeNeedsNoAddress(t *testing.T) {
	r := NewRegistry()
	_ = r.SetSelf(0)
	_ = r.Register(0, "")
	if err := r.Freeze(); err != nil {
		t.Fatalf("single player table: %v", err)
	}
	if _, ok := r.Resolve(""); ok {
		t.Fatal("empty address resolved")
	}
}

func TestConsoleFlag(t *testing.T) {
	r := newTable(t)
	_ = r.SetSelf(2)
	for _, d := range r.Nodes() {
		if d.Console != (d.ID == 2) {
			t.Fatalf("node %d console=%v", d.ID, d.Console)
		}
	}
}

func TestBadID(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(MaxNodes, "x"); !errors.Is(err, ErrBadNodeID) {
		t.Fatalf("err = %v", err)
	}
}

type fixedProgress struct{ g, m int }

func (p fixedProgress) GameTic() int { return p.g }
func (p fixedProgress) MakeTic() int { return p.m }

func TestInfoHandler(t *testing.T) {
	r := newTable(t)
	rec := httptest.NewRecorder()
	r.Info(fixedProgress{g: 10, m: 12}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
	var body struct {
		Self    int          `json:"self"`
		Nodes   []Descriptor `json:"nodes"`
		GameTic int          `json:"gametic"`
		MakeTic int          `json:"maketic"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Self != 0 || len(body.Nodes) != 3 || body.GameTic != 10 || body.MakeTic != 12 {
		t.Fatalf("unexpected body %+v", body)
	}
}
