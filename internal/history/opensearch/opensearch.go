package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/slotr/internal/history"
)

// Sink keeps one OpenSearch document per run, with the run ID as document ID.
// A registered event creates the document; finished replaces it with the
// final state. A registered event for a run that already has a document is
// ignored, so a late delivery never rolls a finished run back.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

// document is the stored shape: the run plus the last event applied to it.
type document struct {
	history.Run
	LastEvent history.EventType `json:"last_event"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func New(baseURL, index string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	if e.Run.ID == "" {
		return fmt.Errorf("opensearch sink: event %s without run id", e.Type)
	}
	op := "_doc"
	if e.Type == history.EventRegistered {
		op = "_create"
	}
	u := fmt.Sprintf("%s/%s/%s/%s", s.baseURL, s.index, op, url.PathEscape(e.Run.ID))
	b, err := json.Marshal(document{Run: e.Run, LastEvent: e.Type, UpdatedAt: e.OccurredAt.UTC()})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if op == "_create" && resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}
