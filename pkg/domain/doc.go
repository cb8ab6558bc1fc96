/*
Package domain contains the shared vocabulary of the Lattice state tree protocol.

It defines the identifiers, values and change records exchanged between the
authority (the server-side holder of the state tree) and the renderer (the
client-side mirror that reconstructs a visual tree from the change stream).
This package is kept pure and free of I/O, following Hexagonal Architecture
principles: trees, renderers and transports all depend on it, never the reverse.

# Key Entities

  - NodeID / NodeRef: identity of a state node and a by-id reference to it.
  - FeatureID: the small integer namespace of typed node features (tag, properties,
    children, listeners, ...), each with a fixed Shape (scalar, map or list).
  - Record: the closed set of change variants. Consumers implement Handler and
    receive records through Accept, one method per variant.
  - Batch: an ordered, transmittable sequence of Changes, either a delta or a
    full-state dump.
  - Invocation: a user interaction travelling from the renderer back to the authority.
*/
package domain
