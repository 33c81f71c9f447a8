// Package couchbase provides a typed layer over the Couchbase Go SDK:
// per-collection document stores, transactions and cluster setup.
package couchbase

import (
	"context"
	"errors"
	"fmt"

	"github.com/couchbase/gocb/v2"
)

// Store provides typed CRUD operations for documents of type T kept in a
// single collection. Documents embedding Cas get their CAS value tracked
// across Get, Replace and Remove.
type Store[T any] struct {
	cluster    *gocb.Cluster
	collection *gocb.Collection
}

func NewStore[T any](cluster *gocb.Cluster, collection *gocb.Collection) (*Store[T], error) {
	if cluster == nil || collection == nil {
		return nil, errors.New("invalid Couchbase parameters: cluster and collection must not be nil")
	}

	return &Store[T]{
		cluster:    cluster,
		collection: collection,
	}, nil
}

// OpenStore returns a store over the named collection of scope.
func OpenStore[T any](cluster *gocb.Cluster, bucket *gocb.Bucket, scope, collection string) (*Store[T], error) {
	if bucket == nil {
		return nil, errors.New("invalid Couchbase parameters: bucket must not be nil")
	}
	return NewStore[T](cluster, bucket.Scope(scope).Collection(collection))
}

// Insert creates a document. It fails with gocb.ErrDocumentExists when the
// key is taken.
func (s *Store[T]) Insert(ctx context.Context, key string, value T, opts *gocb.InsertOptions) error {
	if opts == nil {
		opts = new(gocb.InsertOptions)
	}
	opts.Context = ctx

	if _, err := s.collection.Insert(key, value, opts); err != nil {
		return fmt.Errorf("failed to insert document with key %s: %w", key, err)
	}

	return nil
}

// Upsert creates or overwrites a document.
func (s *Store[T]) Upsert(ctx context.Context, key string, value T, opts *gocb.UpsertOptions) error {
	if opts == nil {
		opts = new(gocb.UpsertOptions)
	}
	opts.Context = ctx

	if _, err := s.collection.Upsert(key, value, opts); err != nil {
		return fmt.Errorf("failed to upsert document with key %s: %w", key, err)
	}

	return nil
}

// Get reads a document and records its CAS value.
func (s *Store[T]) Get(ctx context.Context, key string) (*T, error) {
	res, err := s.collection.Get(key, &gocb.GetOptions{Context: ctx})
	if err != nil {
		return nil, fmt.Errorf("failed to get document with key %s: %w", key, err)
	}

	var v T
	if err := res.Content(&v); err != nil {
		return nil, fmt.Errorf("failed to parse document content for key %s: %w", key, err)
	}

	if cs, ok := any(&v).(CasSetter); ok {
		cs.SetCas(uint64(res.Cas()))
	}

	return &v, nil
}

// Exists reports whether key is present.
func (s *Store[T]) Exists(ctx context.Context, key string) (bool, error) {
	res, err := s.collection.Exists(key, &gocb.ExistsOptions{Context: ctx})
	if err != nil {
		return false, fmt.Errorf("failed to check document with key %s: %w", key, err)
	}

	return res.Exists(), nil
}

// Replace overwrites an existing document. When v carries a CAS value the
// write fails with gocb.ErrCasMismatch if the document changed since it
// was read.
func (s *Store[T]) Replace(ctx context.Context, key string, v *T, opts *gocb.ReplaceOptions) error {
	if opts == nil {
		opts = new(gocb.ReplaceOptions)
	}
	opts.Context = ctx
	if cg, ok := any(v).(CasGetter); ok && cg.GetCas() != 0 {
		opts.Cas = gocb.Cas(cg.GetCas())
	}

	res, err := s.collection.Replace(key, v, opts)
	if err != nil {
		return fmt.Errorf("failed to replace document with key %s: %w", key, err)
	}

	if cs, ok := any(v).(CasSetter); ok {
		cs.SetCas(uint64(res.Cas()))
	}

	return nil
}

// Remove deletes a document. A non-zero cas guards the delete. Missing
// documents are not an error.
func (s *Store[T]) Remove(ctx context.Context, key string, cas uint64) error {
	_, err := s.collection.Remove(key, &gocb.RemoveOptions{Context: ctx, Cas: gocb.Cas(cas)})
	if err != nil && !errors.Is(err, gocb.ErrDocumentNotFound) {
		return fmt.Errorf("failed to remove document with key %s: %w", key, err)
	}

	return nil
}

// Query runs a SQL++ statement and unmarshals every row into T.
func (s *Store[T]) Query(ctx context.Context, statement string, opts *gocb.QueryOptions) ([]T, error) {
	if opts == nil {
		opts = new(gocb.QueryOptions)
	}
	opts.Context = ctx

	result, err := s.cluster.Query(statement, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer result.Close()

	var items []T
	for result.Next() {
		var item T
		if err := result.Row(&item); err != nil {
			return nil, fmt.Errorf("failed to parse query row: %w", err)
		}
		items = append(items, item)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read query results: %w", err)
	}

	return items, nil
}

// EnsurePrimaryIndex creates the collection's primary index if missing so
// Query can scan it.
func (s *Store[T]) EnsurePrimaryIndex(ctx context.Context) error {
	err := s.collection.QueryIndexes().CreatePrimaryIndex(&gocb.CreatePrimaryQueryIndexOptions{
		IgnoreIfExists: true,
		Context:        ctx,
	})
	if err != nil {
		return fmt.Errorf("failed to create primary index on %s: %w", s.collection.Name(), err)
	}

	return nil
}

// Collection returns the underlying collection, for transactions and
// query building.
func (s *Store[T]) Collection() *gocb.Collection {
	return s.collection
}
