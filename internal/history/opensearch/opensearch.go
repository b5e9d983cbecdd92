// Package opensearch indexes worker lifecycle events into OpenSearch or
// Elasticsearch over the document REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/agentvisor/internal/history"
)

const maxErrorBody = 512

// Sink writes one document per event with PUT {base}/{index}/_doc/{id}.
// The id is derived from the event, so a retried send overwrites rather
// than duplicates.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

// document is the indexed body; @timestamp lets dashboards pick the time field.
type document struct {
	Timestamp time.Time `json:"@timestamp"`
	history.Event
}

// New validates index and returns a sink for baseURL.
func New(baseURL, index string) (*Sink, error) {
	if err := ValidateIndex(index); err != nil {
		return nil, err
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("opensearch: invalid base URL %q", baseURL)
	}
	return &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
	}, nil
}

// ValidateIndex applies the OpenSearch index naming rules.
func ValidateIndex(index string) error {
	switch {
	case index == "":
		return errors.New("opensearch: empty index name")
	case index == "." || index == "..":
		return fmt.Errorf("opensearch: invalid index name %q", index)
	case len(index) > 255:
		return errors.New("opensearch: index name longer than 255 bytes")
	case strings.ContainsAny(index[:1], "-_+"):
		return fmt.Errorf("opensearch: index %q must not start with '-', '_' or '+'", index)
	}
	for _, r := range index {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(`\/*?"<>| ,#:`, r) || (r >= 'A' && r <= 'Z') {
			return fmt.Errorf("opensearch: invalid character %q in index %q", r, index)
		}
	}
	return nil
}

// DocumentID identifies e within the index.
func DocumentID(e history.Event) string {
	return e.Record.Name + "-" + string(e.Type) + "-" + strconv.FormatInt(e.OccurredAt.UnixNano(), 10)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(document{Timestamp: e.OccurredAt, Event: e})
	if err != nil {
		return fmt.Errorf("opensearch: encode event: %w", err)
	}
	u := s.baseURL + "/" + url.PathEscape(s.index) + "/_doc/" + url.PathEscape(DocumentID(e))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("opensearch: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("opensearch sink status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
