/*
Package session implements the authority side of Lattice.

A Session owns one state tree and turns its pending changes into numbered
batches. The Manager opens sessions on demand and serializes every writer of a
session, in process with ref-counted locks and across replicas with an optional
distributed locker.
*/
package session
