package providertest

import (
	"encoding/json"
	"maps"
	"sync"

	"github.com/germanamz/batchman/pkg/lifecycle"
	"github.com/germanamz/batchman/pkg/provider"
	"github.com/germanamz/batchman/pkg/request"
)

var _ provider.Batch = (*Batch)(nil)

// Batch is an in-memory provider.Batch for backend tests. The remote id is
// read from the "id" field of the latest appended state, like a batch
// directory does.
type Batch struct {
	mu sync.Mutex

	BatchName string
	ID        string
	Window    lifecycle.CompletionWindow
	Meta      map[string]any
	Reqs      []request.Request

	RemoteRequests []json.RawMessage
	RemoteResults  []json.RawMessage
	States         []json.RawMessage
}

// NewBatch creates a Batch holding reqs with a 24h window.
func NewBatch(uniqueID string, reqs ...request.Request) *Batch {
	return &Batch{
		BatchName: "test",
		ID:        uniqueID,
		Window:    lifecycle.DefaultCompletionWindow,
		Meta:      map[string]any{},
		Reqs:      reqs,
	}
}

// WithRemoteID appends a state carrying id, as if the batch had been
// uploaded.
func (b *Batch) WithRemoteID(id string) *Batch {
	raw, _ := json.Marshal(map[string]string{"id": id})
	b.States = append(b.States, raw)

	return b
}

func (b *Batch) Name() string                                 { return b.BatchName }
func (b *Batch) UniqueID() string                             { return b.ID }
func (b *Batch) CompletionWindow() lifecycle.CompletionWindow { return b.Window }

func (b *Batch) RemoteID() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.States) == 0 {
		return "", nil
	}

	var s struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b.States[len(b.States)-1], &s); err != nil {
		return "", err
	}

	return s.ID, nil
}

func (b *Batch) Metadata() (map[string]any, error) {
	return maps.Clone(b.Meta), nil
}

func (b *Batch) Requests() ([]request.Request, error) {
	return b.Reqs, nil
}

func (b *Batch) SaveRemoteRequests(records []json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.RemoteRequests = records

	return nil
}

func (b *Batch) SaveRemoteResults(records []json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.RemoteResults = records

	return nil
}

func (b *Batch) AppendRemoteState(state json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.States = append(b.States, state)

	return nil
}

// LatestState returns the most recent snapshot, or nil.
func (b *Batch) LatestState() json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.States) == 0 {
		return nil
	}

	return b.States[len(b.States)-1]
}
