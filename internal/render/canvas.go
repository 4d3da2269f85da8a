package render

import (
	"fmt"
	"image"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/gogpu/gg"

	"routemap/internal/deconflict"
	"routemap/internal/geo"
)

const (
	defaultStroke = "#82BEE8"
	minLineWidth  = 0.5
)

var markerRadius = map[deconflict.SizeClass]float64{
	deconflict.SizeSmall:  2,
	deconflict.SizeMedium: 3,
	deconflict.SizeLarge:  4.5,
}

// Canvas rasterises a pass with an equirectangular projection of the
// viewport onto WidthPx x HeightPx pixels.
type Canvas struct {
	vp geo.Viewport
	dc *gg.Context
}

// UseLogger routes the rasteriser's diagnostics through l.
func UseLogger(l *log.Logger) {
	if l == nil {
		gg.SetLogger(nil)
		return
	}
	gg.SetLogger(slog.New(l))
}

// NewCanvas allocates a white canvas. The viewport needs a latitude extent
// and a pixel height in addition to what a pass requires.
func NewCanvas(vp geo.Viewport) (*Canvas, error) {
	if err := vp.Validate(); err != nil {
		return nil, err
	}
	if vp.HeightPx <= 0 || !(vp.North > vp.South) {
		return nil, fmt.Errorf("%w: canvas needs north > south and a positive height", geo.ErrInvalidViewport)
	}
	dc := gg.NewContext(vp.WidthPx, vp.HeightPx)
	dc.ClearWithColor(gg.White)
	dc.SetLineCap(gg.LineCapRound)
	dc.SetLineJoin(gg.LineJoinRound)
	return &Canvas{vp: vp, dc: dc}, nil
}

// Project converts a point to pixel coordinates.
func (c *Canvas) Project(p geo.Point) (x, y float64) {
	x = (p.Lon - c.vp.West) / (c.vp.East - c.vp.West) * float64(c.vp.WidthPx)
	y = (c.vp.North - p.Lat) / (c.vp.North - c.vp.South) * float64(c.vp.HeightPx)
	return x, y
}

func (c *Canvas) DrawLine(l deconflict.Line) error {
	if len(l.Points) == 0 {
		return nil
	}
	c.setColor(l.Color, l.Opacity)
	width := l.Weight
	if width < minLineWidth {
		width = minLineWidth
	}
	if len(l.Points) == 1 {
		x, y := c.Project(l.Points[0])
		c.dc.DrawCircle(x, y, width/2)
		return c.dc.Fill()
	}
	c.dc.SetLineWidth(width)
	for i, p := range l.Points {
		x, y := c.Project(p)
		if i == 0 {
			c.dc.MoveTo(x, y)
			continue
		}
		c.dc.LineTo(x, y)
	}
	return c.dc.Stroke()
}

func (c *Canvas) DrawMarker(m deconflict.Marker) error {
	r, ok := markerRadius[m.Size]
	if !ok {
		r = markerRadius[deconflict.SizeSmall]
	}
	x, y := c.Project(m.Point)
	c.dc.SetRGBA(0.2, 0.2, 0.2, 1)
	c.dc.DrawCircle(x, y, r)
	return c.dc.Fill()
}

func (c *Canvas) setColor(hex string, opacity float64) {
	if strings.TrimSpace(hex) == "" {
		hex = defaultStroke
	}
	if opacity <= 0 || opacity > 1 {
		opacity = 1
	}
	col := gg.Hex(hex)
	c.dc.SetRGBA(col.R, col.G, col.B, col.A*opacity)
}

// Image returns the rendered pixels.
func (c *Canvas) Image() image.Image { return c.dc.Image() }

// WritePNG encodes the canvas.
func (c *Canvas) WritePNG(w io.Writer) error {
	return c.dc.EncodePNG(w)
}

func (c *Canvas) Close() error { return c.dc.Close() }
