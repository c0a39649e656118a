package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testforge/dispatch/types"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// startTestHub wires a hub to an httptest websocket endpoint and returns both.
func startTestHub(t *testing.T, cfg Config) (*Hub, *httptest.Server) {
	t.Helper()
	if cfg.Snapshot == nil {
		cfg.Snapshot = func() types.Snapshot {
			return types.Snapshot{ActiveRuns: []types.RunRecord{}, TakenAt: time.Now()}
		}
	}
	cfg.Log = zerolog.Nop()

	h := New(cfg)
	h.Start(context.Background())
	t.Cleanup(h.Stop)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.Subscribe(conn)
	}))
	t.Cleanup(srv.Close)
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) types.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev types.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestSubscribeReceivesSnapshotFirst(t *testing.T) {
	snap := types.Snapshot{
		ActiveRuns: []types.RunRecord{
			{RunID: "run-1", Kind: types.RunKindBulk, Status: types.RunStatusRunning},
		},
		IsAnyRunning: true,
		TakenAt:      time.Now(),
	}
	_, srv := startTestHub(t, Config{
		Snapshot: func() types.Snapshot { return snap },
	})

	conn := dial(t, srv)
	ev := readEvent(t, conn)
	require.Equal(t, types.EventSnapshot, ev.Type)
	require.NotNil(t, ev.Snapshot)
	assert.True(t, ev.Snapshot.IsAnyRunning)
	require.Len(t, ev.Snapshot.ActiveRuns, 1)
	assert.Equal(t, "run-1", ev.Snapshot.ActiveRuns[0].RunID)
}

func TestBroadcastReachesAllSubscribersInOrder(t *testing.T) {
	h, srv := startTestHub(t, Config{})

	connA := dial(t, srv)
	connB := dial(t, srv)
	require.Equal(t, types.EventSnapshot, readEvent(t, connA).Type)
	require.Equal(t, types.EventSnapshot, readEvent(t, connB).Type)

	h.Publish(types.Event{
		Type:        types.EventRunAdmitted,
		RunAdmitted: &types.RunAdmittedPayload{RunID: "run-1", Kind: types.RunKindBulk},
	})
	h.Publish(types.Event{
		Type:        types.EventTestStarted,
		TestStarted: &types.TestStartedPayload{RunID: "run-1", Test: types.RunningTest{TestID: "t1"}},
	})
	h.Publish(types.Event{
		Type:      types.EventRunClosed,
		RunClosed: &types.RunClosedPayload{RunID: "run-1", Status: types.RunStatusCompleted},
	})

	wantOrder := []types.EventType{types.EventRunAdmitted, types.EventTestStarted, types.EventRunClosed}
	for _, conn := range []*websocket.Conn{connA, connB} {
		for _, want := range wantOrder {
			assert.Equal(t, want, readEvent(t, conn).Type)
		}
	}
}

// TestPublishNeverBlocksDuringSnapshotRead pins the publish contract: the
// registry calls Publish while holding its write lock, and the run loop may
// at that moment be parked inside a Snapshot read waiting on that same lock.
// Publish must return even with the queue full, or both sides stall forever.
func TestPublishNeverBlocksDuringSnapshotRead(t *testing.T) {
	var mu sync.RWMutex
	entered := make(chan struct{}, 1)
	h, srv := startTestHub(t, Config{
		Snapshot: func() types.Snapshot {
			select {
			case entered <- struct{}{}:
			default:
			}
			mu.RLock()
			defer mu.RUnlock()
			return types.Snapshot{TakenAt: time.Now()}
		},
	})

	// Take the write lock first, then connect: the run loop parks in the
	// snapshot read for the new subscriber and stays there.
	mu.Lock()
	dial(t, srv)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		mu.Unlock()
		t.Fatal("run loop never reached the snapshot read")
	}

	published := make(chan struct{})
	go func() {
		defer close(published)
		for i := 0; i < 300; i++ {
			h.Publish(types.Event{
				Type:        types.EventRunAdmitted,
				RunAdmitted: &types.RunAdmittedPayload{RunID: "run-1", Kind: types.RunKindBulk},
			})
		}
	}()

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Error("Publish blocked with the registry lock held")
	}
	mu.Unlock()
}

func TestLastSeenRefreshedByInboundFrames(t *testing.T) {
	h := New(Config{
		Log: zerolog.Nop(),
		Snapshot: func() types.Snapshot {
			return types.Snapshot{ActiveRuns: []types.RunRecord{}, TakenAt: time.Now()}
		},
	})
	h.Start(context.Background())
	t.Cleanup(h.Stop)

	subs := make(chan *Subscriber, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		subs <- h.Subscribe(conn)
	}))
	t.Cleanup(srv.Close)

	conn := dial(t, srv)
	sub := <-subs
	require.Equal(t, types.EventSnapshot, readEvent(t, conn).Type)

	before := sub.LastSeen()
	require.False(t, before.IsZero())
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))

	require.Eventually(t, func() bool {
		return sub.LastSeen().After(before)
	}, 2*time.Second, 10*time.Millisecond, "inbound frames must refresh last-seen")
}

func TestResyncRequestReturnsFreshSnapshot(t *testing.T) {
	calls := 0
	_, srv := startTestHub(t, Config{
		Snapshot: func() types.Snapshot {
			calls++
			return types.Snapshot{ActiveRuns: []types.RunRecord{}, TakenAt: time.Now()}
		},
	})

	conn := dial(t, srv)
	require.Equal(t, types.EventSnapshot, readEvent(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(resyncMessage)))
	ev := readEvent(t, conn)
	assert.Equal(t, types.EventSnapshot, ev.Type)
	assert.GreaterOrEqual(t, calls, 2, "resync must re-read the registry, not replay")
}

func TestSilentSubscriberIsDropped(t *testing.T) {
	h, srv := startTestHub(t, Config{
		PongTimeout:  200 * time.Millisecond,
		PingInterval: 50 * time.Millisecond,
	})

	conn := dial(t, srv)
	// Never reading means never answering pings, so the server-side read
	// deadline expires and the hub unsubscribes the connection.
	_ = conn

	require.Eventually(t, func() bool {
		return h.SubscriberCount() == 0
	}, 5*time.Second, 20*time.Millisecond, "silent subscriber should be evicted")
}

func TestClientDisconnectUnsubscribes(t *testing.T) {
	h, srv := startTestHub(t, Config{})

	conn := dial(t, srv)
	require.Equal(t, types.EventSnapshot, readEvent(t, conn).Type)
	require.Eventually(t, func() bool { return h.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return h.SubscriberCount() == 0
	}, 5*time.Second, 20*time.Millisecond)
}
