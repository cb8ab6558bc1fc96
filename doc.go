/*
Package lattice keeps a remote renderer's element tree eventually consistent with a
server-authoritative UI state tree.

The authority mutates a tree of state nodes inside a write context. Every mutation
is recorded as a change record; flushing the tree yields an ordered batch that the
renderer replays onto its mirror nodes and visual elements. User interaction on the
renderer travels back as invocations over the same channel. Connections are
identified by an epoch, so a renderer that misses a batch asks for a resync and
receives a full-state dump under a new epoch.

# Usage

	eng, err := lattice.New(ctx,
		lattice.WithTemplates(demo.Templates()...),
		lattice.WithInit(demo.Init("buy milk")),
	)
	if err != nil {
		log.Fatal(err)
	}

	sess, err := eng.Manager().Open(ctx, "session-123")
	if err != nil {
		log.Fatal(err)
	}

	// Publish a full dump to whoever is subscribed to the session.
	dump, err := eng.Manager().Resync(ctx, sess.ID(), "connect")

# Transports

The pkg/adapters/http package serves snapshots and invocation round-trips;
pkg/adapters/websocket streams batches to reconnecting renderers. Both sit on top
of the Engine's session manager and broker.
*/
package lattice
