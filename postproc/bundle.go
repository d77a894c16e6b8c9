package postproc

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Bundle is the JSON input of a run: the spike streams and feature tensor
// exported by template matching plus the probe layout.
type Bundle struct {
	Times           []int64   `json:"times"`
	Clusters        []int32   `json:"clusters"`
	Templates       []int32   `json:"templates"`
	Amplitudes      []float32 `json:"amplitudes,omitempty"`
	Features        []float32 `json:"features"`
	FeatureShape    [3]int    `json:"featureShape"` // spikes, channels, pcs
	XC              []float32 `json:"xc"`
	YC              []float32 `json:"yc"`
	TemplateCenters []int     `json:"templateCenters"`
}

// LoadBundle reads a run bundle from a JSON file
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bundle: %w", err)
	}
	return ParseBundle(data)
}

// ParseBundle parses a run bundle from JSON bytes
func ParseBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parsing bundle JSON: %w", err)
	}
	return &b, nil
}

// Inputs holds everything a Pipeline run needs, built from a Bundle
type Inputs struct {
	Train    *SpikeTrain
	Features *FeatureBuffer
	Geometry *ChannelGeometry
	Probe    *Probe
}

// Inputs converts the bundle into pipeline inputs. The probe neighborhoods
// are sized to the bundle's feature channel axis.
func (b *Bundle) Inputs(cfg *Config) (*Inputs, error) {
	train := &SpikeTrain{
		Times:      b.Times,
		Clusters:   b.Clusters,
		Templates:  b.Templates,
		Amplitudes: b.Amplitudes,
	}
	if err := train.Validate(); err != nil {
		return nil, err
	}
	if len(b.Templates) != len(b.Times) {
		return nil, fmt.Errorf("%w: %d times, %d templates", ErrLengthMismatch, len(b.Times), len(b.Templates))
	}
	if b.FeatureShape[0] != len(b.Times) {
		return nil, fmt.Errorf("%w: feature shape %v for %d spikes", ErrShapeMismatch, b.FeatureShape, len(b.Times))
	}

	features, err := WrapFeatureBuffer(b.Features, b.FeatureShape[0], b.FeatureShape[1], b.FeatureShape[2])
	if err != nil {
		return nil, err
	}
	geom, err := NewChannelGeometry(b.XC, b.YC)
	if err != nil {
		return nil, err
	}
	for i, t := range b.Templates {
		if t < 0 || int(t) >= len(b.TemplateCenters) {
			return nil, fmt.Errorf("spike %d: template %d has no center channel", i, t)
		}
	}
	probe, err := NewProbe(geom, b.TemplateCenters, ProbeOptions{
		NearestChans: features.Channels,
		Dmin:         cfg.Features.Dmin,
		Dminx:        cfg.Features.Dminx,
	})
	if err != nil {
		return nil, err
	}

	return &Inputs{
		Train:    train,
		Features: features,
		Geometry: geom,
		Probe:    probe,
	}, nil
}

// ResultFile is the JSON form of a Result
type ResultFile struct {
	InputSpikes  int           `json:"inputSpikes"`
	Keep         []bool        `json:"keep"`
	Times        []int64       `json:"times"`
	Clusters     []int32       `json:"clusters"`
	Positions    *Positions    `json:"positions"`
	FeatureShape [3]int        `json:"featureShape"` // spikes, pcs, K
	Features     []float32     `json:"features"`
	FeatureIndex *FeatureIndex `json:"featureIndex"`
	Anomalies    []Anomaly     `json:"anomalies"`
	DurationMS   int64         `json:"durationMs"`
}

// File converts a result to its serialized form
func (r *Result) File() *ResultFile {
	anomalies := r.Diagnostics.Anomalies
	if anomalies == nil {
		anomalies = []Anomaly{}
	}
	return &ResultFile{
		InputSpikes:  r.InputSpikes,
		Keep:         r.Keep,
		Times:        r.Train.Times,
		Clusters:     r.Train.Clusters,
		Positions:    r.Positions,
		FeatureShape: r.Features.Shape(),
		Features:     r.Features.Data,
		FeatureIndex: r.FeatureIndex,
		Anomalies:    anomalies,
		DurationMS:   r.Duration.Milliseconds(),
	}
}

// WriteJSON writes the result as JSON
func (r *Result) WriteJSON(w io.Writer) error {
	if err := json.NewEncoder(w).Encode(r.File()); err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	return nil
}

// SaveResult writes the result as JSON to path
func SaveResult(path string, r *Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating result file: %w", err)
	}
	if err := r.WriteJSON(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
