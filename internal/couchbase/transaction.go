package couchbase

import (
	"errors"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"
)

// Transactions runs Couchbase distributed transactions with a shared
// configuration.
type Transactions struct {
	cluster *gocb.Cluster
	timeout time.Duration
}

func NewTransactions(cluster *gocb.Cluster) (*Transactions, error) {
	if cluster == nil {
		return nil, fmt.Errorf("couchbase cluster cannot be nil")
	}

	return &Transactions{
		cluster: cluster,
		timeout: 10 * time.Second,
	}, nil
}

// Transaction runs fn until it commits or the transaction times out and
// returns the transaction id.
func (t *Transactions) Transaction(fn TransactionAttempt) (string, error) {
	opts := gocb.TransactionOptions{
		DurabilityLevel: gocb.DurabilityLevelNone,
		Timeout:         t.timeout,
	}
	run := func(actx *gocb.TransactionAttemptContext) error {
		return fn(&transactionRunner{ctx: actx})
	}

	res, err := t.cluster.Transactions().Run(run, &opts)
	if err != nil {
		return "", fmt.Errorf("failed to run transaction: %w", err)
	}

	return res.TransactionID, nil
}

type transactionRunner struct {
	ctx *gocb.TransactionAttemptContext
}

func (t *transactionRunner) Get(tc TransactionCollection, key string) (*gocb.TransactionGetResult, error) {
	return t.ctx.Get(tc.Collection(), key)
}

func (t *transactionRunner) Insert(tc TransactionCollection, key string, value any) (*gocb.TransactionGetResult, error) {
	return t.ctx.Insert(tc.Collection(), key, value)
}

func (t *transactionRunner) Replace(doc *gocb.TransactionGetResult, value any) (*gocb.TransactionGetResult, error) {
	return t.ctx.Replace(doc, value)
}

// TransactionRunner performs document operations inside a transaction.
type TransactionRunner interface {
	Get(tc TransactionCollection, key string) (*gocb.TransactionGetResult, error)
	Insert(tc TransactionCollection, key string, value any) (*gocb.TransactionGetResult, error)
	Replace(doc *gocb.TransactionGetResult, value any) (*gocb.TransactionGetResult, error)
}

// TransactionCollection is anything backed by a collection, such as a Store.
type TransactionCollection interface {
	Collection() *gocb.Collection
}

// TransactionAttempt is the body of a transaction.
type TransactionAttempt func(t TransactionRunner) error

// Mutate reads key inside a transaction and applies update to it, or
// inserts create() when the document does not exist yet. update reports
// whether it changed the document; unchanged documents are not written.
// The committed document is returned.
func Mutate[T any](t *Transactions, tc TransactionCollection, key string, create func() T, update func(*T) bool) (T, error) {
	var out T
	_, err := t.Transaction(func(r TransactionRunner) error {
		for {
			res, err := r.Get(tc, key)
			switch {
			case err == nil:
			case errors.Is(err, gocb.ErrDocumentNotFound):
				doc := create()
				_, err := r.Insert(tc, key, doc)
				switch {
				case err == nil:
					out = doc
					return nil
				case errors.Is(err, gocb.ErrDocumentExists):
					// lost the race to another writer, read it again
					continue
				default:
					return fmt.Errorf("failed to insert %s: %w", key, err)
				}
			default:
				return fmt.Errorf("failed to get %s: %w", key, err)
			}

			var doc T
			if err := res.Content(&doc); err != nil {
				return fmt.Errorf("failed to decode %s: %w", key, err)
			}
			if !update(&doc) {
				out = doc
				return nil
			}
			if _, err := r.Replace(res, doc); err != nil {
				return fmt.Errorf("failed to replace %s: %w", key, err)
			}
			out = doc
			return nil
		}
	})

	return out, err
}
