package postproc

import (
	"fmt"
	"image/color"
	"image/png"
	"io"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// clusterPalette cycles through distinguishable colors by cluster id
var clusterPalette = []color.RGBA{
	{R: 31, G: 119, B: 180, A: 255},
	{R: 255, G: 127, B: 14, A: 255},
	{R: 44, G: 160, B: 44, A: 255},
	{R: 214, G: 39, B: 40, A: 255},
	{R: 148, G: 103, B: 189, A: 255},
	{R: 140, G: 86, B: 75, A: 255},
	{R: 227, G: 119, B: 194, A: 255},
	{R: 188, G: 189, B: 34, A: 255},
	{R: 23, G: 190, B: 207, A: 255},
}

// ClusterColor returns the color used for a cluster
func ClusterColor(cluster int32) color.RGBA {
	i := int(cluster) % len(clusterPalette)
	if i < 0 {
		i += len(clusterPalette)
	}
	return clusterPalette[i]
}

// PositionRenderer draws estimated spike positions over the probe layout
type PositionRenderer struct {
	Geometry   *ChannelGeometry
	Positions  *Positions
	Clusters   []int32
	Padding    float64           // probe units around the drawn content
	DotRadius  float64           // spike dot radius, probe units
	ChannelBox float64           // channel square side, probe units
	Resolution canvas.Resolution // Resolution for PNG output
}

// NewPositionRenderer creates a renderer with settings from cfg
func NewPositionRenderer(geom *ChannelGeometry, pos *Positions, clusters []int32, cfg RenderConfig) *PositionRenderer {
	r := &PositionRenderer{
		Geometry:   geom,
		Positions:  pos,
		Clusters:   clusters,
		Padding:    cfg.Padding,
		DotRadius:  cfg.DotRadius,
		ChannelBox: 6,
		Resolution: canvas.DPI(cfg.Resolution),
	}
	if r.DotRadius <= 0 {
		r.DotRadius = 1.5
	}
	if cfg.Resolution <= 0 {
		r.Resolution = canvas.DPI(150)
	}
	return r
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderToSVG writes the position map as an SVG to the provided writer
func (r *PositionRenderer) RenderToSVG(w io.Writer) error {
	bound, err := r.bounds()
	if err != nil {
		return err
	}
	width, height := r.size(bound)

	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, bound, width, height)
	return svgRenderer.Close()
}

// RenderToPNG writes the position map as a PNG to the provided writer
func (r *PositionRenderer) RenderToPNG(w io.Writer) error {
	bound, err := r.bounds()
	if err != nil {
		return err
	}
	width, height := r.size(bound)

	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, bound, width, height)
	return png.Encode(w, rast)
}

// bounds covers every channel and every spike position
func (r *PositionRenderer) bounds() (orb.Bound, error) {
	if r.Geometry == nil || r.Geometry.NumChannels() == 0 {
		return orb.Bound{}, fmt.Errorf("no channel geometry to render")
	}
	if r.Positions != nil && len(r.Clusters) != len(r.Positions.X) {
		return orb.Bound{}, fmt.Errorf("%d cluster ids for %d positions", len(r.Clusters), len(r.Positions.X))
	}
	b := r.Geometry.Bound()
	if r.Positions != nil {
		for i := range r.Positions.X {
			b = b.Extend(orb.Point{float64(r.Positions.X[i]), float64(r.Positions.Y[i])})
		}
	}
	return b, nil
}

func (r *PositionRenderer) size(b orb.Bound) (float64, float64) {
	return (b.Max.X() - b.Min.X()) + 2*r.Padding + r.ChannelBox,
		(b.Max.Y() - b.Min.Y()) + 2*r.Padding + r.ChannelBox
}

// renderToCanvas draws channels first, then spikes on top
func (r *PositionRenderer) renderToCanvas(renderer canvasRenderer, b orb.Bound, width, height float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	offset := r.Padding + r.ChannelBox/2
	toCanvas := func(x, y float64) (float64, float64) {
		return x - b.Min.X() + offset, y - b.Min.Y() + offset
	}

	chanStyle := canvas.DefaultStyle
	chanStyle.Fill = canvas.Paint{Color: color.RGBA{R: 211, G: 211, B: 211, A: 255}}
	chanStyle.Stroke = canvas.Paint{Color: canvas.Gray}
	chanStyle.StrokeWidth = 0.5
	for ch := 0; ch < r.Geometry.NumChannels(); ch++ {
		pt := r.Geometry.Point(ch)
		cx, cy := toCanvas(pt.X(), pt.Y())
		sq := canvas.Rectangle(r.ChannelBox, r.ChannelBox).Translate(cx-r.ChannelBox/2, cy-r.ChannelBox/2)
		renderer.RenderPath(sq, chanStyle, canvas.Identity)
	}

	if r.Positions == nil {
		return
	}
	for i := range r.Positions.X {
		c := ClusterColor(r.Clusters[i])
		style := canvas.DefaultStyle
		if r.Positions.Fallback[i] {
			// Hollow dot marks a centroid fallback position.
			style.Fill = canvas.Paint{Color: canvas.Transparent}
			style.Stroke = canvas.Paint{Color: c}
			style.StrokeWidth = r.DotRadius / 3
		} else {
			style.Fill = canvas.Paint{Color: c}
			style.Stroke = canvas.Paint{Color: canvas.Transparent}
		}
		cx, cy := toCanvas(float64(r.Positions.X[i]), float64(r.Positions.Y[i]))
		renderer.RenderPath(canvas.Circle(r.DotRadius).Translate(cx, cy), style, canvas.Identity)
	}
}
