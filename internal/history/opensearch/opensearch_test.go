package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/slotr/internal/history"
)

type request struct {
	method string
	path   string
	body   map[string]any
}

// index is a minimal document store: _create conflicts on an existing ID, _doc overwrites.
type index struct {
	mu   sync.Mutex
	docs map[string]map[string]any
	reqs []request
}

func newIndex(t *testing.T) (*index, *httptest.Server) {
	ix := &index{docs: map[string]map[string]any{}}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(b, &m)
		ix.mu.Lock()
		defer ix.mu.Unlock()
		ix.reqs = append(ix.reqs, request{method: r.Method, path: r.URL.Path, body: m})
		if id, ok := strings.CutPrefix(r.URL.Path, "/slot-history/_doc/"); ok {
			ix.docs[id] = m
			w.WriteHeader(http.StatusOK)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/slot-history/_create/")
		if _, ok := ix.docs[id]; ok {
			w.WriteHeader(http.StatusConflict)
			return
		}
		ix.docs[id] = m
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(server.Close)
	return ix, server
}

func event(typ history.EventType, outcome history.Outcome) history.Event {
	return history.Event{
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		Run:        history.Run{ID: "abc", Slot: "terminal", Command: "echo hi", Outcome: outcome},
	}
}

func TestOpenSearchSink_Send(t *testing.T) {
	ix, server := newIndex(t)
	sink := New(server.URL+"/", "slot-history")

	require.NoError(t, sink.Send(context.Background(), event(history.EventRegistered, history.OutcomeRunning)))

	require.Len(t, ix.reqs, 1)
	assert.Equal(t, http.MethodPut, ix.reqs[0].method)
	assert.Equal(t, "/slot-history/_create/abc", ix.reqs[0].path)
	doc := ix.reqs[0].body
	assert.Equal(t, "abc", doc["id"])
	assert.Equal(t, "terminal", doc["slot"])
	assert.Equal(t, "registered", doc["last_event"])
	assert.NotEmpty(t, doc["updated_at"])
}

func TestOpenSearchSink_OneDocumentPerRun(t *testing.T) {
	ix, server := newIndex(t)
	sink := New(server.URL, "slot-history")
	ctx := context.Background()

	require.NoError(t, sink.Send(ctx, event(history.EventRegistered, history.OutcomeRunning)))
	require.NoError(t, sink.Send(ctx, event(history.EventFinished, history.OutcomeSuccess)))

	require.Len(t, ix.docs, 1)
	doc := ix.docs["abc"]
	assert.Equal(t, "finished", doc["last_event"])
	assert.Equal(t, "success", doc["outcome"])
	assert.Equal(t, "/slot-history/_doc/abc", ix.reqs[1].path)
}

func TestOpenSearchSink_LateRegisteredKeepsFinished(t *testing.T) {
	ix, server := newIndex(t)
	sink := New(server.URL, "slot-history")
	ctx := context.Background()

	require.NoError(t, sink.Send(ctx, event(history.EventFinished, history.OutcomeFailure)))
	require.NoError(t, sink.Send(ctx, event(history.EventRegistered, history.OutcomeRunning)))

	require.Len(t, ix.docs, 1)
	assert.Equal(t, "finished", ix.docs["abc"]["last_event"])
	assert.Equal(t, "failure", ix.docs["abc"]["outcome"])
}

func TestOpenSearchSink_MissingRunID(t *testing.T) {
	sink := New("http://127.0.0.1:1", "idx")
	require.Error(t, sink.Send(context.Background(), history.Event{Type: history.EventFinished}))
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	sink := New(server.URL, "idx")
	err := sink.Send(context.Background(), event(history.EventFinished, history.OutcomeSuccess))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestOpenSearchSink_Unreachable(t *testing.T) {
	sink := New("http://127.0.0.1:1", "idx")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Error(t, sink.Send(ctx, event(history.EventFinished, history.OutcomeSuccess)))
}
