package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tarungka/prism/internal/models"
)

// BootstrapRow is one row of a query's initial snapshot.
type BootstrapRow struct {
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data"`
}

// Bootstrapper streams a query's initial snapshot, row by row. The worker
// feeds the rows to the engine as synthetic adds before opening the live
// stream.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, queryID string, fn func(row BootstrapRow) error) error
}

// SnapshotClient fetches snapshots from the external query API.
type SnapshotClient struct {
	baseURL string
	client  *http.Client
}

func NewSnapshotClient(baseURL string) *SnapshotClient {
	return &SnapshotClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// Bootstrap streams the JSON array at /queries/<id>/snapshot through fn
// without buffering the whole snapshot.
func (s *SnapshotClient) Bootstrap(ctx context.Context, queryID string, fn func(row BootstrapRow) error) error {
	url := fmt.Sprintf("%s/queries/%s/snapshot", s.baseURL, queryID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: snapshot request: %v", models.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: snapshot request returned %s", models.ErrTransport, resp.Status)
	}

	dec := json.NewDecoder(resp.Body)
	if _, err := dec.Token(); err != nil { // opening bracket
		return fmt.Errorf("%w: snapshot body: %v", models.ErrMalformedEvent, err)
	}
	for dec.More() {
		var row BootstrapRow
		if err := dec.Decode(&row); err != nil {
			return fmt.Errorf("%w: snapshot row: %v", models.ErrMalformedEvent, err)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil { // closing bracket
		return fmt.Errorf("%w: snapshot body: %v", models.ErrMalformedEvent, err)
	}
	return nil
}
