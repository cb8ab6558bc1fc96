package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"

	backend "github.com/redis/go-redis/v9"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/template"
)

// DefaultPrefix namespaces every key written by this package.
const DefaultPrefix = "lattice:"

// Store implements ports.TemplateStore using a Redis hash of id → JSON descriptor.
type Store struct {
	client *backend.Client
	prefix string
}

type Option func(*Store)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a new Redis store with options.
func New(address, password string, db int, opts ...Option) *Store {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a new Redis store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	store := &Store{
		client: client,
		prefix: DefaultPrefix,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

// Client returns the underlying client.
func (s *Store) Client() *backend.Client {
	return s.client
}

func (s *Store) hashKey() string {
	return s.prefix + "templates"
}

// Save stores the descriptor as JSON under its id.
func (s *Store) Save(ctx context.Context, d template.Descriptor) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal template %d: %w", d.ID, err)
	}
	if err := s.client.HSet(ctx, s.hashKey(), strconv.Itoa(d.ID), data).Err(); err != nil {
		return fmt.Errorf("failed to save template %d to redis: %w", d.ID, err)
	}
	return nil
}

// Load retrieves a descriptor.
func (s *Store) Load(ctx context.Context, id int) (template.Descriptor, error) {
	val, err := s.client.HGet(ctx, s.hashKey(), strconv.Itoa(id)).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return template.Descriptor{}, fmt.Errorf("template %d: %w", id, domain.ErrTemplateNotFound)
		}
		return template.Descriptor{}, fmt.Errorf("failed to get template %d from redis: %w", id, err)
	}
	return decode(id, val)
}

// Delete removes a descriptor.
func (s *Store) Delete(ctx context.Context, id int) error {
	return s.client.HDel(ctx, s.hashKey(), strconv.Itoa(id)).Err()
}

// List returns every descriptor ordered by id.
func (s *Store) List(ctx context.Context) ([]template.Descriptor, error) {
	all, err := s.client.HGetAll(ctx, s.hashKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list templates from redis: %w", err)
	}
	out := make([]template.Descriptor, 0, len(all))
	for field, val := range all {
		id, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("template field %q is not an id: %w", field, err)
		}
		d, err := decode(id, val)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b template.Descriptor) int { return a.ID - b.ID })
	return out, nil
}

func decode(id int, val string) (template.Descriptor, error) {
	var d template.Descriptor
	if err := json.Unmarshal([]byte(val), &d); err != nil {
		return template.Descriptor{}, fmt.Errorf("failed to unmarshal template %d: %w", id, err)
	}
	return d, nil
}
