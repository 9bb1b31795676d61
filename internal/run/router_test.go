package run_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parleylabs/parley/internal/agent"
	enginemock "github.com/parleylabs/parley/internal/engine/mock"
	"github.com/parleylabs/parley/internal/gateway/event"
)

// routerRecorder captures the single RouterResult a dispatch emits.
type routerRecorder struct {
	results chan event.RouterResult
}

func newRouterRecorder() *routerRecorder {
	return &routerRecorder{results: make(chan event.RouterResult, 1)}
}

func (r *routerRecorder) Emit(ev event.Outbound) {
	if res, ok := ev.(event.RouterResult); ok {
		r.results <- res
	}
}

func (r *routerRecorder) await(t *testing.T) event.RouterResult {
	t.Helper()
	select {
	case res := <-r.results:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("no RouterResult emitted")
		return nil
	}
}

func TestDispatchRouter_EmitsParsedObject(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &enginemock.Engine{
		Deltas: []string{`{"Operation":`, `"CHAT","Topic":"greeting"}`},
	}, nil)
	rec := newRouterRecorder()

	f.orch.DispatchRouter(context.Background(), rec, "hello", &agent.Preset{Name: agent.RouterName})

	res := rec.await(t)
	if res["Operation"] != "CHAT" || res["Topic"] != "greeting" {
		t.Errorf("RouterResult = %v, want the parsed router object", res)
	}
}

func TestDispatchRouter_NonObjectOutputIsError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &enginemock.Engine{Deltas: []string{"not json at all"}}, nil)
	rec := newRouterRecorder()

	f.orch.DispatchRouter(context.Background(), rec, "hello", &agent.Preset{Name: agent.RouterName})

	res := rec.await(t)
	if res["Operation"] != "ERROR" {
		t.Errorf("RouterResult = %v, want Operation ERROR", res)
	}
	if _, ok := res["Reason"].(string); !ok {
		t.Errorf("RouterResult = %v, want a Reason string", res)
	}
}

func TestDispatchRouter_StreamFailureIsError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &enginemock.Engine{StreamErr: errors.New("router backend down")}, nil)
	rec := newRouterRecorder()

	f.orch.DispatchRouter(context.Background(), rec, "hello", &agent.Preset{Name: agent.RouterName})

	res := rec.await(t)
	if res["Operation"] != "ERROR" {
		t.Errorf("RouterResult = %v, want Operation ERROR", res)
	}
}

func TestDispatchRouter_SurvivesSessionInterrupt(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &enginemock.Engine{
		Deltas:     []string{`{"Operation":"CHAT"}`},
		DeltaDelay: 100 * time.Millisecond,
	}, nil)
	rec := newRouterRecorder()

	f.orch.DispatchRouter(context.Background(), rec, "hello", &agent.Preset{Name: agent.RouterName})

	// An interrupt on the session must not kill the router run.
	f.state.CancelFlag().Set()

	res := rec.await(t)
	if res["Operation"] != "CHAT" {
		t.Errorf("RouterResult = %v, want the classification to survive the interrupt", res)
	}
}
