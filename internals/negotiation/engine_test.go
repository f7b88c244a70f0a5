package negotiation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pion/webrtc/v3"

	"github.com/wpcall/wpcall/internals/media"
	"github.com/wpcall/wpcall/internals/signaling"
)

type mockAdapter struct {
	mu sync.Mutex

	offers     int
	restarts   int
	answers    int
	localSet   []webrtc.SessionDescription
	remoteSet  []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	replaced   []media.Track
	closed     int

	failSetRemote error
}

func (m *mockAdapter) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers++
	if iceRestart {
		m.restarts++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", m.offers)}, nil
}

func (m *mockAdapter) CreateAnswer() (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (m *mockAdapter) SetLocalDescription(d webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localSet = append(m.localSet, d)
	return nil
}

func (m *mockAdapter) SetRemoteDescription(d webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSetRemote != nil {
		return m.failSetRemote
	}
	m.remoteSet = append(m.remoteSet, d)
	return nil
}

func (m *mockAdapter) AddICECandidate(init webrtc.ICECandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = append(m.candidates, init)
	return nil
}

func (m *mockAdapter) ReplaceVideoTrack(t media.Track) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaced = append(m.replaced, t)
	return nil
}

func (m *mockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

type sentLog struct {
	mu     sync.Mutex
	frames []any
}

func (l *sentLog) send(v any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, v)
	return nil
}

func (l *sentLog) all() []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]any, len(l.frames))
	copy(out, l.frames)
	return out
}

type fakeTrack struct {
	kind string
}

func (f *fakeTrack) ID() string        { return "t" }
func (f *fakeTrack) Kind() string      { return f.kind }
func (f *fakeTrack) SetEnabled(bool)   {}
func (f *fakeTrack) Enabled() bool     { return true }
func (f *fakeTrack) OnEnded(fn func()) {}
func (f *fakeTrack) Close() error      { return nil }

func newTestEngine(initiator bool) (*Engine, *mockAdapter, *sentLog, *[]EndReason) {
	adapter := &mockAdapter{}
	log := &sentLog{}
	var reasons []EndReason
	e := NewEngine(Options{
		Adapter:   adapter,
		Send:      log.send,
		Initiator: initiator,
		OnEnd:     func(r EndReason) { reasons = append(reasons, r) },
	})
	return e, adapter, log, &reasons
}

func candidate(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func TestInitiatorOfferAnswerFlow(t *testing.T) {
	e, adapter, log, _ := newTestEngine(true)

	if err := e.StartNegotiation(); err != nil {
		t.Fatalf("StartNegotiation: %v", err)
	}
	if e.State() != StateHaveLocalOffer {
		t.Fatalf("state = %v, want have-local-offer", e.State())
	}

	sent := log.all()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames, want the offer", len(sent))
	}
	if _, ok := sent[0].(signaling.OfferMessage); !ok {
		t.Fatalf("sent %T, want OfferMessage", sent[0])
	}

	// A second start while an offer is out is refused.
	if err := e.StartNegotiation(); err == nil {
		t.Fatal("double StartNegotiation succeeded")
	}

	if err := e.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"}); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
	if e.State() != StateStable {
		t.Fatalf("state = %v, want stable", e.State())
	}
	if len(adapter.remoteSet) != 1 {
		t.Fatalf("remote descriptions set = %d, want 1", len(adapter.remoteSet))
	}
}

func TestResponderAnswersOffer(t *testing.T) {
	e, adapter, log, _ := newTestEngine(false)

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"}
	if err := e.HandleOffer(offer); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	if e.State() != StateStable {
		t.Fatalf("state = %v, want stable", e.State())
	}
	if adapter.answers != 1 || len(adapter.localSet) != 1 {
		t.Fatalf("answers=%d localSet=%d", adapter.answers, len(adapter.localSet))
	}

	sent := log.all()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames, want the answer", len(sent))
	}
	if _, ok := sent[0].(signaling.AnswerMessage); !ok {
		t.Fatalf("sent %T, want AnswerMessage", sent[0])
	}
}

func TestCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	e, adapter, _, _ := newTestEngine(false)

	for i := 0; i < 3; i++ {
		if err := e.HandleCandidate(candidate(fmt.Sprintf("c%d", i))); err != nil {
			t.Fatalf("HandleCandidate: %v", err)
		}
	}
	if len(adapter.candidates) != 0 {
		t.Fatalf("candidates applied before remote description: %d", len(adapter.candidates))
	}

	if err := e.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"}); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}

	// Flushed in arrival order.
	if len(adapter.candidates) != 3 {
		t.Fatalf("flushed %d candidates, want 3", len(adapter.candidates))
	}
	for i, c := range adapter.candidates {
		if want := fmt.Sprintf("c%d", i); c.Candidate != want {
			t.Fatalf("candidate[%d] = %q, want %q", i, c.Candidate, want)
		}
	}

	// After the flush new candidates apply immediately.
	if err := e.HandleCandidate(candidate("late")); err != nil {
		t.Fatalf("HandleCandidate: %v", err)
	}
	if len(adapter.candidates) != 4 {
		t.Fatalf("late candidate not applied: %d", len(adapter.candidates))
	}
}

func TestHandleSignalDispatch(t *testing.T) {
	e, adapter, log, _ := newTestEngine(false)

	offer, _ := json.Marshal(signaling.NewOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"}))
	if err := e.HandleSignal(signaling.MessageTypeOffer, offer); err != nil {
		t.Fatalf("offer dispatch: %v", err)
	}
	cand, _ := json.Marshal(signaling.NewCandidate(candidate("c")))
	if err := e.HandleSignal(signaling.MessageTypeICECandidate, cand); err != nil {
		t.Fatalf("candidate dispatch: %v", err)
	}
	if len(adapter.candidates) != 1 {
		t.Fatalf("candidates = %d, want 1", len(adapter.candidates))
	}

	// Unknown types are dropped without error.
	if err := e.HandleSignal(signaling.MessageType("whatever"), []byte(`{"type":"whatever"}`)); err != nil {
		t.Fatalf("unknown dispatch: %v", err)
	}
	if len(log.all()) != 1 {
		t.Fatalf("unexpected frames sent: %d", len(log.all()))
	}
}

func TestExactlyOneICERestart(t *testing.T) {
	e, adapter, _, reasons := newTestEngine(true)

	if err := e.StartNegotiation(); err != nil {
		t.Fatalf("StartNegotiation: %v", err)
	}
	if err := e.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"}); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}

	// First failure triggers a restart offer.
	e.HandleICEFailure()
	if adapter.restarts != 1 {
		t.Fatalf("restarts = %d, want 1", adapter.restarts)
	}
	if e.State() != StateHaveLocalOffer {
		t.Fatalf("state = %v, want have-local-offer", e.State())
	}
	if len(*reasons) != 0 {
		t.Fatalf("call ended prematurely: %v", *reasons)
	}

	if err := e.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a2"}); err != nil {
		t.Fatalf("restart answer: %v", err)
	}

	// Second failure ends the call.
	e.HandleICEFailure()
	if adapter.restarts != 1 {
		t.Fatalf("restarts = %d after second failure, want still 1", adapter.restarts)
	}
	if e.State() != StateClosed {
		t.Fatalf("state = %v, want closed", e.State())
	}
	if len(*reasons) != 1 || (*reasons)[0] != EndConnectionFailed {
		t.Fatalf("end reasons = %v", *reasons)
	}
	if adapter.closed != 1 {
		t.Fatalf("adapter closed %d times, want 1", adapter.closed)
	}
}

func TestResponderICEFailureAwaitsRestartOffer(t *testing.T) {
	e, adapter, _, reasons := newTestEngine(false)

	if err := e.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"}); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}

	// ICE failure on the responder must not end the call: the restart
	// offer comes from the other side.
	e.HandleICEFailure()
	if adapter.restarts != 0 {
		t.Fatal("responder attempted an ICE restart")
	}
	if len(*reasons) != 0 {
		t.Fatalf("responder ended the call: %v", *reasons)
	}
	if e.State() != StateStable {
		t.Fatalf("state = %v, want stable", e.State())
	}

	if err := e.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o-restart"}); err != nil {
		t.Fatalf("restart offer after local ICE failure: %v", err)
	}
	if adapter.answers != 2 {
		t.Fatalf("answers = %d, want 2", adapter.answers)
	}
}

// wire connects two engines through in-memory frame queues, the way
// the relay would, without dispatching re-entrantly.
type wire struct {
	mu     sync.Mutex
	queues map[*Engine][]any
	peers  map[*Engine]*Engine
}

func newWire() *wire {
	return &wire{queues: make(map[*Engine][]any), peers: make(map[*Engine]*Engine)}
}

func (w *wire) sendFrom(e *Engine) func(any) error {
	return func(v any) error {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.queues[e] = append(w.queues[e], v)
		return nil
	}
}

func (w *wire) pump(t *testing.T) {
	t.Helper()
	for {
		w.mu.Lock()
		var from *Engine
		var frame any
		for e, q := range w.queues {
			if len(q) > 0 {
				from, frame = e, q[0]
				w.queues[e] = q[1:]
				break
			}
		}
		w.mu.Unlock()
		if from == nil {
			return
		}
		to := w.peers[from]
		data, err := json.Marshal(frame)
		if err != nil {
			t.Fatalf("marshal frame: %v", err)
		}
		msgType, err := signaling.PeekType(data)
		if err != nil {
			t.Fatalf("peek frame type: %v", err)
		}
		if err := to.HandleSignal(msgType, data); err != nil {
			t.Fatalf("deliver %s: %v", msgType, err)
		}
	}
}

func TestICERestartCompletesWhenBothSidesObserveFailure(t *testing.T) {
	w := newWire()
	callerAdapter := &mockAdapter{}
	calleeAdapter := &mockAdapter{}
	var callerReasons, calleeReasons []EndReason

	var caller, callee *Engine
	caller = NewEngine(Options{
		Adapter:   callerAdapter,
		Send:      func(v any) error { return w.sendFrom(caller)(v) },
		Initiator: true,
		OnEnd:     func(r EndReason) { callerReasons = append(callerReasons, r) },
	})
	callee = NewEngine(Options{
		Adapter:   calleeAdapter,
		Send:      func(v any) error { return w.sendFrom(callee)(v) },
		Initiator: false,
		OnEnd:     func(r EndReason) { calleeReasons = append(calleeReasons, r) },
	})
	w.peers[caller] = callee
	w.peers[callee] = caller

	if err := caller.StartNegotiation(); err != nil {
		t.Fatalf("StartNegotiation: %v", err)
	}
	w.pump(t)
	if caller.State() != StateStable || callee.State() != StateStable {
		t.Fatalf("states = %v/%v, want stable/stable", caller.State(), callee.State())
	}

	// The media path drops for both sides at once.
	callee.HandleICEFailure()
	caller.HandleICEFailure()
	w.pump(t)

	if callerAdapter.restarts != 1 {
		t.Fatalf("restarts = %d, want 1", callerAdapter.restarts)
	}
	if caller.State() != StateStable || callee.State() != StateStable {
		t.Fatalf("states after restart = %v/%v, want stable/stable", caller.State(), callee.State())
	}
	if len(callerReasons) != 0 || len(calleeReasons) != 0 {
		t.Fatalf("call ended during restart: %v / %v", callerReasons, calleeReasons)
	}
	if calleeAdapter.answers != 2 {
		t.Fatalf("callee answers = %d, want 2", calleeAdapter.answers)
	}
}

func TestConnectionFailureEndsEitherSide(t *testing.T) {
	for _, initiator := range []bool{true, false} {
		e, adapter, _, reasons := newTestEngine(initiator)

		if initiator {
			if err := e.StartNegotiation(); err != nil {
				t.Fatalf("StartNegotiation: %v", err)
			}
		} else if err := e.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"}); err != nil {
			t.Fatalf("HandleOffer: %v", err)
		}

		e.HandleConnectionFailure()
		if e.State() != StateClosed {
			t.Fatalf("initiator=%v: state = %v, want closed", initiator, e.State())
		}
		if len(*reasons) != 1 || (*reasons)[0] != EndConnectionFailed {
			t.Fatalf("initiator=%v: end reasons = %v", initiator, *reasons)
		}
		if adapter.closed != 1 {
			t.Fatalf("initiator=%v: adapter closed %d times", initiator, adapter.closed)
		}
	}
}

func TestResponderAcceptsRestartOfferWhenStable(t *testing.T) {
	e, adapter, _, _ := newTestEngine(false)

	if err := e.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o1"}); err != nil {
		t.Fatalf("first offer: %v", err)
	}
	if err := e.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o2"}); err != nil {
		t.Fatalf("renegotiation offer: %v", err)
	}
	if len(adapter.remoteSet) != 2 || adapter.answers != 2 {
		t.Fatalf("remoteSet=%d answers=%d, want 2/2", len(adapter.remoteSet), adapter.answers)
	}
	if e.State() != StateStable {
		t.Fatalf("state = %v, want stable", e.State())
	}
}

func TestReplaceVideoTrack(t *testing.T) {
	e, adapter, log, _ := newTestEngine(true)

	if err := e.StartNegotiation(); err != nil {
		t.Fatalf("StartNegotiation: %v", err)
	}
	if err := e.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"}); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
	before := len(log.all())

	if err := e.ReplaceVideoTrack(&fakeTrack{kind: media.KindAudio}); !errors.Is(err, ErrBadTrack) {
		t.Fatalf("audio replacement err = %v, want ErrBadTrack", err)
	}

	screen := &fakeTrack{kind: media.KindVideo}
	if err := e.ReplaceVideoTrack(screen); err != nil {
		t.Fatalf("ReplaceVideoTrack: %v", err)
	}
	if len(adapter.replaced) != 1 || adapter.replaced[0] != media.Track(screen) {
		t.Fatalf("replaced = %v", adapter.replaced)
	}

	// Track replacement is local only, nothing goes over signaling.
	if len(log.all()) != before {
		t.Fatalf("replacement sent signaling frames: %d", len(log.all())-before)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	e, adapter, _, reasons := newTestEngine(true)

	e.End(EndLocalHangup)
	e.End(EndRemoteLeft)

	if adapter.closed != 1 {
		t.Fatalf("adapter closed %d times, want 1", adapter.closed)
	}
	if len(*reasons) != 1 || (*reasons)[0] != EndLocalHangup {
		t.Fatalf("end reasons = %v", *reasons)
	}

	if err := e.StartNegotiation(); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if err := e.HandleCandidate(candidate("c")); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if err := e.ReplaceVideoTrack(&fakeTrack{kind: media.KindVideo}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestSetRemoteFailureSurfaces(t *testing.T) {
	e, adapter, _, _ := newTestEngine(false)
	adapter.failSetRemote = errors.New("boom")

	err := e.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"})
	if err == nil {
		t.Fatal("HandleOffer succeeded despite adapter failure")
	}
}
