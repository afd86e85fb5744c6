package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/welltest-lab/fitting-core/pkg/models"
)

var (
	ErrRecordNotFound = errors.New("archive record not found")
	ErrRecordExists   = errors.New("archive record already exists")
)

// Record is one archived analysis. Payload holds the analysis JSON compressed
// with Codec.
type Record struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	ModelType string           `json:"model_type"`
	Status    models.FitStatus `json:"status"`
	SSE       float64          `json:"sse"`
	Codec     string           `json:"codec"`
	Payload   []byte           `json:"-"`
	CreatedAt time.Time        `json:"created_at"`
}

// NewRecord encodes a under id.
func NewRecord(id string, a *Analysis, codec Codec) (*Record, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode analysis: %w", err)
	}
	payload, err := codec.Compress(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to compress analysis: %w", err)
	}
	rec := &Record{
		ID:        id,
		Name:      a.Name,
		ModelType: a.ModelType,
		Codec:     codec.Name(),
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if a.Result != nil {
		rec.Status = a.Result.Status
		rec.SSE = a.Result.SSE
	}
	return rec, nil
}

// Analysis decodes the payload.
func (r *Record) Analysis() (*Analysis, error) {
	codec, err := CodecByName(r.Codec)
	if err != nil {
		return nil, err
	}
	raw, err := codec.Decompress(r.Payload)
	if err != nil {
		return nil, err
	}
	var a Analysis
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("failed to decode analysis: %w", err)
	}
	return &a, nil
}

// Archive stores completed analyses.
type Archive interface {
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context) ([]*Record, error)
	Close() error
}

// MemoryArchive keeps records in process memory.
type MemoryArchive struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryArchive returns an empty in-memory archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{records: make(map[string]*Record)}
}

func (m *MemoryArchive) Put(_ context.Context, rec *Record) error {
	if rec == nil || rec.ID == "" {
		return errors.New("record id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrRecordExists, rec.ID)
	}
	cp := *rec
	cp.Payload = append([]byte(nil), rec.Payload...)
	m.records[rec.ID] = &cp
	return nil
}

func (m *MemoryArchive) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	cp := *rec
	return &cp, nil
}

// List returns records newest first.
func (m *MemoryArchive) List(_ context.Context) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryArchive) Close() error {
	return nil
}
