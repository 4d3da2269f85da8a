package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/paulmach/orb"
	"github.com/spf13/cobra"

	"routemap/internal/deconflict"
	"routemap/internal/feature"
	"routemap/internal/geo"
	"routemap/internal/gtfs"
	"routemap/internal/render"
)

const (
	defaultWidth  = 1024
	defaultHeight = 768
	defaultZoom   = 15
)

type renderOpts struct {
	output    string
	png       string
	styleFile string
	zoom      int
	width     int
	height    int
	bounds    []float64 // west, south, east, north
}

func newRenderCmd() *cobra.Command {
	opts := renderOpts{zoom: defaultZoom, width: defaultWidth, height: defaultHeight}

	cmd := &cobra.Command{
		Use:   "render [routes.geojson]",
		Short: "Deconflict a GeoJSON route file once",
		Long:  `Reads route lines from a GeoJSON FeatureCollection, fans out coincident lines for the given viewport and writes the displaced lines as GeoJSON, optionally also as a PNG preview.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if n := len(opts.bounds); n != 0 && n != 4 {
				return fmt.Errorf("--bounds needs west,south,east,north, got %d values", n)
			}
			return runRender(cmd.Context(), args[0], cmd.OutOrStdout(), &opts)
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "GeoJSON output file (default stdout)")
	cmd.Flags().StringVar(&opts.png, "png", "", "also write a PNG preview to this file")
	cmd.Flags().StringVar(&opts.styleFile, "style", "", "YAML style rules")
	cmd.Flags().IntVarP(&opts.zoom, "zoom", "z", opts.zoom, "map zoom level")
	cmd.Flags().IntVar(&opts.width, "width", opts.width, "viewport width in pixels")
	cmd.Flags().IntVar(&opts.height, "height", opts.height, "viewport height in pixels")
	cmd.Flags().Float64SliceVar(&opts.bounds, "bounds", nil, "viewport bounds west,south,east,north (default: extent of the routes)")

	return cmd
}

func runRender(ctx context.Context, path string, stdout io.Writer, opts *renderOpts) error {
	logger := loggerFromContext(ctx)
	render.UseLogger(logger)
	prog := newProgress(logger)

	lines, problems, err := feature.ReadFile(path)
	if err != nil {
		return err
	}
	for _, p := range problems {
		logger.Warn("skipping feature", "index", p.Index, "err", p.Err)
	}
	if len(lines) == 0 {
		return errors.New("no route lines in input")
	}

	vp := viewportFor(lines, opts)
	passOpts, err := passOptions(opts.styleFile)
	if err != nil {
		return err
	}

	var sink deconflict.Sink
	var canvas *render.Canvas
	if opts.png != "" {
		if canvas, err = render.NewCanvas(vp); err != nil {
			return err
		}
		defer canvas.Close()
		sink = canvas
	}

	res, err := deconflict.Render(vp, lines, sink, passOpts...)
	if err != nil {
		return err
	}
	for _, sk := range res.Skipped {
		logger.Warn("skipping route", "route", sk.RouteID, "err", sk.Err)
	}

	if err := writeGeoJSON(res, opts.output, stdout); err != nil {
		return err
	}
	if canvas != nil {
		if err := writePNG(canvas, opts.png); err != nil {
			return err
		}
	}
	prog.done(fmt.Sprintf("Rendered %d lines (%d collisions, %d skipped)", res.Stats.Lines, res.Stats.Collisions, res.Stats.Skipped))
	return nil
}

// viewportFor uses the explicit bounds or the padded extent of all lines.
func viewportFor(lines []gtfs.RouteLine, opts *renderOpts) geo.Viewport {
	vp := geo.Viewport{Zoom: opts.zoom, WidthPx: opts.width, HeightPx: opts.height}
	if len(opts.bounds) == 4 {
		vp.West, vp.South, vp.East, vp.North = opts.bounds[0], opts.bounds[1], opts.bounds[2], opts.bounds[3]
		return vp
	}
	b := lines[0].Coordinates.Bound()
	for _, rl := range lines[1:] {
		b = b.Union(rl.Coordinates.Bound())
	}
	pad := 0.05 * maxf(b.Right()-b.Left(), b.Top()-b.Bottom())
	if pad == 0 {
		pad = 0.001
	}
	b = orb.Bound{Min: orb.Point{b.Left() - pad, b.Bottom() - pad}, Max: orb.Point{b.Right() + pad, b.Top() + pad}}
	vp.West, vp.South, vp.East, vp.North = b.Left(), b.Bottom(), b.Right(), b.Top()
	return vp
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func writeGeoJSON(res deconflict.Result, path string, stdout io.Writer) error {
	data, err := json.MarshalIndent(feature.Rendered(res), "", "  ")
	if err != nil {
		return err
	}
	if path == "" {
		_, err = stdout.Write(append(data, '\n'))
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func writePNG(c *render.Canvas, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := c.WritePNG(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
