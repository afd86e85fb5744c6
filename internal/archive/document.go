// Package archive persists fit analyses: the multi-analysis document format,
// payload codecs, and result archives.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/welltest-lab/fitting-core/pkg/models"
	"github.com/welltest-lab/fitting-core/pkg/utils"
)

// DocumentVersion is written to every document.
const DocumentVersion = "2.0"

var (
	ErrUnsupportedVersion = errors.New("unsupported document version")
	ErrAnalysisNotFound   = errors.New("analysis not found")
	ErrDuplicateName      = errors.New("analysis name already in use")
)

// Analysis is one fitting session: the data, the model choice, the parameter
// set and, once fitted, the result.
type Analysis struct {
	Name             string              `json:"name"`
	ModelType        string              `json:"model_type"`
	DerivativeWeight float64             `json:"derivative_weight"`
	SmoothingWindow  float64             `json:"smoothing_window,omitempty"`
	Parameters       models.ParameterSet `json:"parameters"`
	Observed         *models.Series      `json:"observed,omitempty"`
	Result           *models.FitState    `json:"result,omitempty"`
	FitID            string              `json:"fit_id,omitempty"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// Document is the persisted project state holding several analyses.
type Document struct {
	Version  string      `json:"version"`
	Analyses []*Analysis `json:"analyses"`
}

// NewDocument returns an empty current-version document.
func NewDocument() *Document {
	return &Document{Version: DocumentVersion}
}

// Names returns the analysis names in order.
func (d *Document) Names() []string {
	out := make([]string, len(d.Analyses))
	for i, a := range d.Analyses {
		out[i] = a.Name
	}
	return out
}

// Add appends a, renaming it if its name is empty or taken, and returns the
// final name.
func (d *Document) Add(a *Analysis) string {
	base := strings.TrimSpace(a.Name)
	if base == "" {
		base = fmt.Sprintf("Analysis %d", len(d.Analyses)+1)
	}
	a.Name = utils.GenerateAnalysisName(base, d.Names())
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now().UTC()
	}
	d.Analyses = append(d.Analyses, a)
	return a.Name
}

// Get returns the analysis called name.
func (d *Document) Get(name string) (*Analysis, error) {
	for _, a := range d.Analyses {
		if a.Name == name {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrAnalysisNotFound, name)
}

// Rename changes an analysis name. The new name must be unused.
func (d *Document) Rename(from, to string) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return errors.New("analysis name cannot be empty")
	}
	a, err := d.Get(from)
	if err != nil {
		return err
	}
	if from == to {
		return nil
	}
	if _, err := d.Get(to); err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateName, to)
	}
	a.Name = to
	return nil
}

// Remove deletes an analysis.
func (d *Document) Remove(name string) error {
	for i, a := range d.Analyses {
		if a.Name == name {
			d.Analyses = append(d.Analyses[:i], d.Analyses[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrAnalysisNotFound, name)
}

// MarshalDocument encodes d as indented JSON.
func MarshalDocument(d *Document) ([]byte, error) {
	if d.Version == "" {
		d.Version = DocumentVersion
	}
	return json.MarshalIndent(d, "", "  ")
}

// UnmarshalDocument decodes a document. Analyses without a name are named by
// position and duplicates are made unique.
func UnmarshalDocument(data []byte) (*Document, error) {
	var raw Document
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	if !strings.HasPrefix(raw.Version, "2.") {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, raw.Version)
	}

	doc := NewDocument()
	for i, a := range raw.Analyses {
		if a == nil {
			continue
		}
		if strings.TrimSpace(a.Name) == "" {
			a.Name = fmt.Sprintf("Analysis %d", i+1)
		}
		doc.Add(a)
	}
	return doc, nil
}
