package hxdefer_test

import (
	"context"
	"fmt"

	"github.com/a-h/templ"
	"github.com/pthm/hxdefer"
	"github.com/pthm/hxdefer/internal/mapdemo"
	"github.com/pthm/hxdefer/lib/remotepattern"
)

func ExampleDynamic() {
	table := remotepattern.Default()
	tiles := "https://tile.openstreetmap.org/{z}/{x}/{y}.png"

	m := hxdefer.Dynamic("map", mapdemo.NewLoader(tiles, "/_img", table),
		hxdefer.NoSSR(),
		hxdefer.WithPlaceholder(templ.Raw(`<p>Loading map…</p>`)),
	)
	reg := hxdefer.NewRegistry([]byte("secret"))
	reg.Add(m)

	page, _ := hxdefer.TestRender(hxdefer.Server, m.Component(mapdemo.MapProps{Lat: 51.5, Lng: -0.12, Zoom: 12}))
	fmt.Println(page.IsPlaceholder(), m.State())

	_ = m.Wait(context.Background())
	fmt.Println(m.State())
	// Output:
	// true unloaded
	// loaded
}
