/*
Package ports defines the driven ports (interfaces) of the Lattice authority.

These interfaces decouple sessions and the template registry from concrete
backends, so the same core runs in a single process or across replicas.

# Key Interfaces

  - TemplateStore: Persists template descriptors (memory, Redis, YAML files).
  - DistributedLocker: Provides distributed locking for single-writer session access across replicas.
  - BatchPublisher / BatchSubscriber: Fan flushed batches out to the transports streaming a session.
*/
package ports
