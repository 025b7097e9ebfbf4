// Package mapdemo is a slippy map rendered from remote tiles. It is the kind
// of component worth deferring: it needs a live browser to be useful and its
// images come from a third-party host through the image proxy.
package mapdemo

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/a-h/templ"
	"github.com/pthm/hxdefer"
	"github.com/pthm/hxdefer/lib/imageproxy"
	"github.com/pthm/hxdefer/lib/remotepattern"
)

// gridRadius is the number of tiles drawn on each side of the centre tile.
const gridRadius = 1

// MaxZoom is the deepest zoom level the tile servers we target provide.
const MaxZoom = 19

var (
	ErrTileTemplate   = errors.New("mapdemo: tile template must contain {z}, {x} and {y}")
	ErrTileNotAllowed = errors.New("mapdemo: tile host is not allowed by the image remote patterns")
)

// MapProps positions the map.
type MapProps struct {
	Lat  float64 `msgpack:"la"`
	Lng  float64 `msgpack:"ln"`
	Zoom int     `msgpack:"z"`
}

// Map is the resolved map unit.
type Map struct {
	tiles     string
	proxyPath string
}

var _ hxdefer.Renderer[MapProps] = (*Map)(nil)

// NewLoader returns the loader for the map. tileTemplate is a URL with {z},
// {x} and {y} placeholders; proxyPath is where the image proxy is mounted.
// When table is non-nil the tile host must be admitted by it.
//
// The template is checked when the loader runs, not here, so a bad template
// surfaces as a load failure of the deferred map rather than a start-up
// error.
func NewLoader(tileTemplate, proxyPath string, table *remotepattern.Table) hxdefer.Loader[MapProps] {
	return func(ctx context.Context) (hxdefer.Renderer[MapProps], error) {
		for _, p := range []string{"{z}", "{x}", "{y}"} {
			if !strings.Contains(tileTemplate, p) {
				return nil, ErrTileTemplate
			}
		}
		sample, err := url.Parse(tileURL(tileTemplate, 0, 0, 0))
		if err != nil || !sample.IsAbs() || sample.Host == "" {
			return nil, fmt.Errorf("mapdemo: tile template %q is not an absolute URL", tileTemplate)
		}
		if table != nil && !table.PermittedURL(sample) {
			return nil, fmt.Errorf("%w: %s", ErrTileNotAllowed, sample.Host)
		}
		return &Map{tiles: tileTemplate, proxyPath: proxyPath}, nil
	}
}

// New wraps loader in a deferred component that never renders on the
// server.
func New(loader hxdefer.Loader[MapProps]) *hxdefer.Deferred[MapProps] {
	return hxdefer.Dynamic("map", loader,
		hxdefer.NoSSR(),
		hxdefer.WithPlaceholder(Placeholder()),
	)
}

type tile struct {
	Src  string
	X, Y int
}

type mapView struct {
	Zoom    int
	Center  string
	Columns int
	Tiles   []tile
}

var mapTemplate = template.Must(template.New("map").Parse(
	`<figure class="map" data-zoom="{{.Zoom}}" data-center="{{.Center}}">` +
		`<div class="map-grid" style="display:grid;grid-template-columns:repeat({{.Columns}},256px)">` +
		`{{range .Tiles}}<img src="{{.Src}}" alt="" width="256" height="256" data-tile="{{.X}},{{.Y}}">{{end}}` +
		`</div>` +
		`<figcaption>{{.Center}} at zoom {{.Zoom}}</figcaption>` +
		`</figure>`))

// Render draws the tile grid around props.
func (m *Map) Render(ctx context.Context, props MapProps) templ.Component {
	zoom := clampZoom(props.Zoom)
	cx, cy := TileXY(props.Lat, props.Lng, zoom)
	n := 1 << zoom

	view := mapView{
		Zoom:    zoom,
		Center:  strconv.FormatFloat(props.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(props.Lng, 'f', -1, 64),
		Columns: 2*gridRadius + 1,
	}
	for dy := -gridRadius; dy <= gridRadius; dy++ {
		// Rows beyond the poles are clamped rather than wrapped.
		y := min(max(cy+dy, 0), n-1)
		for dx := -gridRadius; dx <= gridRadius; dx++ {
			x := ((cx+dx)%n + n) % n
			view.Tiles = append(view.Tiles, tile{
				Src: imageproxy.URL(m.proxyPath, tileURL(m.tiles, zoom, x, y)),
				X:   x,
				Y:   y,
			})
		}
	}
	return templ.FromGoHTML(mapTemplate, view)
}

// Placeholder is shown while the map is fetched.
func Placeholder() templ.Component {
	return templ.Raw(`<div class="map-placeholder" aria-busy="true">Loading map&hellip;</div>`)
}

// TileXY converts a coordinate to Web Mercator tile indices at zoom.
func TileXY(lat, lng float64, zoom int) (x, y int) {
	n := math.Exp2(float64(zoom))
	latRad := lat * math.Pi / 180

	x = int(math.Floor((lng + 180) / 360 * n))
	y = int(math.Floor((1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2 * n))

	limit := int(n) - 1
	return min(max(x, 0), limit), min(max(y, 0), limit)
}

func tileURL(tmpl string, z, x, y int) string {
	return strings.NewReplacer(
		"{z}", strconv.Itoa(z),
		"{x}", strconv.Itoa(x),
		"{y}", strconv.Itoa(y),
	).Replace(tmpl)
}

func clampZoom(z int) int {
	return min(max(z, 0), MaxZoom)
}
