package postproc

import (
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// ChannelGeometry holds the fixed 2D layout of the recording channels.
// It is read-only once built and safe to share between goroutines.
type ChannelGeometry struct {
	X []float32 `json:"xc"`
	Y []float32 `json:"yc"`
}

// NewChannelGeometry validates and wraps channel coordinates
func NewChannelGeometry(xc, yc []float32) (*ChannelGeometry, error) {
	if len(xc) != len(yc) {
		return nil, fmt.Errorf("channel geometry: %d x coordinates, %d y coordinates", len(xc), len(yc))
	}
	if len(xc) == 0 {
		return nil, fmt.Errorf("channel geometry: no channels")
	}
	return &ChannelGeometry{X: xc, Y: yc}, nil
}

// NumChannels returns the number of channels on the probe
func (g *ChannelGeometry) NumChannels() int {
	return len(g.X)
}

// Point returns the coordinates of channel ch
func (g *ChannelGeometry) Point(ch int) orb.Point {
	return orb.Point{float64(g.X[ch]), float64(g.Y[ch])}
}

// Valid reports whether ch indexes a channel of the probe
func (g *ChannelGeometry) Valid(ch int) bool {
	return ch >= 0 && ch < len(g.X)
}

// Bound returns the bounding box of all channels
func (g *ChannelGeometry) Bound() orb.Bound {
	mp := make(orb.MultiPoint, len(g.X))
	for i := range g.X {
		mp[i] = g.Point(i)
	}
	return mp.Bound()
}

// Centroid returns the geometric centroid of the given channels
func (g *ChannelGeometry) Centroid(channels []int) orb.Point {
	mp := make(orb.MultiPoint, 0, len(channels))
	for _, ch := range channels {
		mp = append(mp, g.Point(ch))
	}
	c, _ := planar.CentroidArea(mp)
	return c
}

// TemplateNeighborhood describes the channels a template's features were
// extracted on. Channels is aligned with the channel axis of the feature
// buffer; Center is the channel the template is centered on.
type TemplateNeighborhood struct {
	Center   int
	Channels []int
}

// NearestChannelQuery is the geometry lookup service consumed by the
// position estimator and the feature consolidator.
type NearestChannelQuery interface {
	// Neighborhood returns the nearest-channel set of a template
	Neighborhood(template int32) (TemplateNeighborhood, error)
	// ClusterChannels returns the sorted union of candidate channels for a
	// group of templates that make up one cluster
	ClusterChannels(templates []int32) ([]int, error)
}

// Probe answers nearest-channel queries from channel geometry and the center
// channel of every template.
type Probe struct {
	geom    *ChannelGeometry
	centers []int
	nearest int
	dmin    float64
	dminx   float64

	neighborhoods [][]int
}

// ProbeOptions configures a Probe
type ProbeOptions struct {
	// NearestChans is how many channels each template neighborhood holds
	NearestChans int
	// Dmin and Dminx bound the vertical and horizontal distance of candidate
	// channels from a cluster's mean template center. Zero disables the bound.
	Dmin  float64
	Dminx float64
}

// NewProbe precomputes the neighborhood of every template
func NewProbe(geom *ChannelGeometry, templateCenters []int, opts ProbeOptions) (*Probe, error) {
	if opts.NearestChans <= 0 {
		return nil, fmt.Errorf("probe: nearest channel count must be positive, got %d", opts.NearestChans)
	}
	if opts.NearestChans > geom.NumChannels() {
		return nil, fmt.Errorf("probe: %d nearest channels requested, probe has %d",
			opts.NearestChans, geom.NumChannels())
	}

	p := &Probe{
		geom:          geom,
		centers:       templateCenters,
		nearest:       opts.NearestChans,
		dmin:          opts.Dmin,
		dminx:         opts.Dminx,
		neighborhoods: make([][]int, len(templateCenters)),
	}

	// Templates sharing a center share a neighborhood.
	byCenter := make(map[int][]int)
	for t, c := range templateCenters {
		if !geom.Valid(c) {
			return nil, fmt.Errorf("probe: template %d centered on unknown channel %d", t, c)
		}
		nb, ok := byCenter[c]
		if !ok {
			nb = p.nearestTo(c)
			byCenter[c] = nb
		}
		p.neighborhoods[t] = nb
	}
	return p, nil
}

// nearestTo returns the channels closest to channel c, closest first, ties
// broken by channel index.
func (p *Probe) nearestTo(c int) []int {
	origin := p.geom.Point(c)
	n := p.geom.NumChannels()
	order := make([]int, n)
	dist := make([]float64, n)
	for ch := 0; ch < n; ch++ {
		order[ch] = ch
		dist[ch] = planar.Distance(origin, p.geom.Point(ch))
	}
	sort.SliceStable(order, func(i, j int) bool {
		return dist[order[i]] < dist[order[j]]
	})
	return order[:p.nearest]
}

// NumTemplates returns how many templates the probe knows about
func (p *Probe) NumTemplates() int {
	return len(p.centers)
}

// Neighborhood implements NearestChannelQuery
func (p *Probe) Neighborhood(template int32) (TemplateNeighborhood, error) {
	if template < 0 || int(template) >= len(p.centers) {
		return TemplateNeighborhood{}, fmt.Errorf("unknown template %d", template)
	}
	return TemplateNeighborhood{
		Center:   p.centers[template],
		Channels: p.neighborhoods[template],
	}, nil
}

// ClusterChannels implements NearestChannelQuery
func (p *Probe) ClusterChannels(templates []int32) ([]int, error) {
	if len(templates) == 0 {
		return nil, fmt.Errorf("no templates given")
	}

	var union []int
	var cx, cy float64
	for _, t := range templates {
		nb, err := p.Neighborhood(t)
		if err != nil {
			return nil, err
		}
		union = append(union, nb.Channels...)
		center := p.geom.Point(nb.Center)
		cx += center.X()
		cy += center.Y()
	}
	union = uniqueSorted(union)

	if p.dmin <= 0 && p.dminx <= 0 {
		return union, nil
	}

	cx /= float64(len(templates))
	cy /= float64(len(templates))
	kept := union[:0]
	for _, ch := range union {
		pt := p.geom.Point(ch)
		if p.dmin > 0 && math.Abs(pt.Y()-cy) > p.dmin {
			continue
		}
		if p.dminx > 0 && math.Abs(pt.X()-cx) > p.dminx {
			continue
		}
		kept = append(kept, ch)
	}
	return kept, nil
}
