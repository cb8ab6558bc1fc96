package lattice_test

import (
	"context"
	"fmt"
	"log"

	"github.com/aretw0/lattice"
	"github.com/aretw0/lattice/internal/demo"
)

// ExampleNew opens a todo session and brings an in-process renderer in sync with it.
func ExampleNew() {
	ctx := context.Background()
	eng, err := lattice.New(ctx,
		lattice.WithTemplates(demo.Templates()...),
		lattice.WithInit(demo.Init("buy milk")),
	)
	if err != nil {
		log.Fatal(err)
	}

	if _, err := eng.Manager().Open(ctx, "session-123"); err != nil {
		log.Fatal(err)
	}
	dump, err := eng.Manager().Resync(ctx, "session-123", "connect")
	if err != nil {
		log.Fatal(err)
	}

	r, err := eng.NewRenderer()
	if err != nil {
		log.Fatal(err)
	}
	if err := r.Apply(ctx, dump); err != nil {
		log.Fatal(err)
	}
	fmt.Println(r.State(), r.Seq())
	// Output: synchronized 1
}
