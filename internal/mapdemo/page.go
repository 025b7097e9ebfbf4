package mapdemo

import (
	"context"
	"html/template"
	"io"

	"github.com/a-h/templ"
	"github.com/pthm/hxdefer"
)

// HTMXSrc is the htmx build the page loads.
const HTMXSrc = "https://unpkg.com/htmx.org@2.0.4"

var pageHead = template.Must(template.New("head").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<script src="{{.HTMX}}"></script>
<style>
.map-placeholder{width:768px;height:768px;display:grid;place-items:center;background:#eee}
.map-grid img{display:block}
.hxdefer-error{padding:1rem;border:1px solid #c33;color:#c33}
</style>
</head>
<body>
<main>
<h1>{{.Title}}</h1>
<p>The map below is fetched after the page loads.</p>
`))

const pageTail = `</main>
</body>
</html>
`

// Page is the full index document with m placed at props.
func Page(m *hxdefer.Deferred[MapProps], props MapProps) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		head := struct {
			Title string
			HTMX  string
		}{"Where we are", HTMXSrc}
		if err := pageHead.Execute(w, head); err != nil {
			return err
		}
		if err := m.Component(props).Render(ctx, w); err != nil {
			return err
		}
		_, err := io.WriteString(w, pageTail)
		return err
	})
}
