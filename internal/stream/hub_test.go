package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"backend-pathtrack/internal/shared/geo"
	"backend-pathtrack/internal/tracking"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func recv(t *testing.T, client *Client) []byte {
	t.Helper()
	select {
	case msg := <-client.Send:
		return msg
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for message")
	}
	return nil
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	client := hub.Register("coordinates")
	defer hub.Unregister(client)

	hub.Broadcast("coordinates", []byte(`{"n":1}`))
	if msg := recv(t, client); string(msg) != `{"n":1}` {
		t.Fatalf("unexpected message %s", msg)
	}

	other := hub.Register("elsewhere")
	defer hub.Unregister(other)
	select {
	case msg := <-other.Send:
		t.Fatalf("unexpected message for other key: %s", msg)
	default:
	}
}

func TestHubRegisterReplaysLatest(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	hub.Broadcast("coordinates", []byte(`{"n":1}`))
	hub.Broadcast("coordinates", []byte(`{"n":2}`))

	client := hub.Register("coordinates")
	defer hub.Unregister(client)
	if msg := recv(t, client); string(msg) != `{"n":2}` {
		t.Fatalf("expected latest snapshot, got %s", msg)
	}
}

func TestHubHelpers(t *testing.T) {
	ch := redisChannel("abc")
	if ch != "pathtrack:abc:snapshots" {
		t.Fatalf("unexpected channel %q", ch)
	}
	if keyFromChannel(ch) != "abc" {
		t.Fatalf("unexpected key")
	}
	if keyFromChannel("bad") != "" {
		t.Fatalf("expected empty key")
	}
	if keyFromChannel("other:abc:snapshots") != "" {
		t.Fatalf("expected empty key for foreign prefix")
	}
}

func TestUnregisterCloses(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	client := hub.Register("coordinates")
	hub.Unregister(client)
	hub.Unregister(client)
	if _, ok := <-client.Send; ok {
		t.Fatalf("expected channel closed")
	}
	if hub.Clients("coordinates") != 0 {
		t.Fatalf("expected no clients")
	}
}

func TestHubForwardsSnapshots(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	client := hub.Register("coordinates")
	defer hub.Unregister(client)

	c := geo.Coordinate{Timestamp: 7, Lat: 1, Lon: 2}
	snaps := make(chan tracking.Snapshot, 1)
	snaps <- tracking.Snapshot{Path: []geo.Coordinate{c}, Cursor: &c}
	close(snaps)
	hub.Forward("coordinates", snaps)

	var got tracking.Snapshot
	if err := json.Unmarshal(recv(t, client), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Path) != 1 || got.Cursor == nil || got.Cursor.Timestamp != 7 {
		t.Fatalf("unexpected snapshot %+v", got)
	}
}

func TestHubRedisRelayBetweenInstances(t *testing.T) {
	s := miniredis.RunT(t)
	rdbA := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdbA.Close()
	rdbB := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdbB.Close()

	a := NewHub(rdbA)
	defer a.Close()
	b := NewHub(rdbB)
	defer b.Close()

	local := a.Register("coordinates")
	defer a.Unregister(local)
	remote := b.Register("coordinates")
	defer b.Unregister(remote)

	// keep broadcasting until b's relay is subscribed and forwards one
	sent := 0
	timeout := time.After(2 * time.Second)
relayed:
	for {
		a.Broadcast("coordinates", []byte(`{"n":1}`))
		sent++
		select {
		case msg := <-remote.Send:
			if string(msg) != `{"n":1}` {
				t.Fatalf("unexpected relayed message %s", msg)
			}
			break relayed
		case <-time.After(20 * time.Millisecond):
		case <-timeout:
			t.Fatalf("relay never delivered")
		}
	}

	// exactly one local copy per broadcast: no echo of our own publish
	time.Sleep(50 * time.Millisecond)
	if got := len(local.Send); got != sent {
		t.Fatalf("expected %d local messages, got %d", sent, got)
	}
}

func TestHubRedisIgnoresMalformed(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()

	hub := NewHub(rdb)
	defer hub.Close()
	client := hub.Register("coordinates")
	defer hub.Unregister(client)

	deadline := time.Now().Add(time.Second)
	for s.PubSubNumPat() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("relay never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := rdb.Publish(context.Background(), redisChannel("coordinates"), "not json").Err(); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	if err := rdb.Publish(context.Background(), redisChannel("coordinates"), `{"origin":"x","payload":{"n":3}}`).Err(); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	if msg := recv(t, client); string(msg) != `{"n":3}` {
		t.Fatalf("unexpected message %s", msg)
	}
}

func TestHubRedisPublishError(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr(), MaxRetries: -1})
	server.Close()
	defer client.Close()

	hub := NewHub(client)
	defer hub.Close()
	node := hub.Register("coordinates")
	defer hub.Unregister(node)

	hub.Broadcast("coordinates", []byte(`{}`))
	if msg := recv(t, node); string(msg) != `{}` {
		t.Fatalf("local delivery should survive a redis failure")
	}
}
