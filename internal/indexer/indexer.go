// Package indexer rebuilds the vector index from the data layer and moves
// index snapshots in and out of object storage.
package indexer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dvloznov/finance-assistant/internal/apperr"
	"github.com/dvloznov/finance-assistant/internal/domain"
	"github.com/dvloznov/finance-assistant/internal/embedding"
	"github.com/dvloznov/finance-assistant/internal/gcs"
	"github.com/dvloznov/finance-assistant/internal/retrieval"
)

// Source lists every transaction of every user.
type Source interface {
	ListAllTransactions(ctx context.Context) ([]domain.Transaction, error)
}

// Options configure a Builder. Snapshots are skipped when Bucket is empty.
type Options struct {
	Concurrency int
	Currency    domain.Currency
	Bucket      string
	Object      string
	// OnRebuild, if set, is told about every finished rebuild.
	OnRebuild func(g *retrieval.Generation, err error)
}

// Builder produces index generations.
type Builder struct {
	source   Source
	embedder embedding.Embedder
	index    *retrieval.Index
	store    gcs.ObjectStore
	opts     Options
	log      zerolog.Logger
}

// NewBuilder wires a builder. store may be nil.
func NewBuilder(source Source, embedder embedding.Embedder, index *retrieval.Index, store gcs.ObjectStore, opts Options, log zerolog.Logger) *Builder {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Currency.Symbol == "" {
		opts.Currency = domain.DefaultCurrency
	}
	return &Builder{
		source:   source,
		embedder: embedder,
		index:    index,
		store:    store,
		opts:     opts,
		log:      log,
	}
}

// Rebuild embeds every transaction, swaps in a new generation and, when
// configured, uploads its snapshot. A failed upload does not undo the swap.
func (b *Builder) Rebuild(ctx context.Context) (g *retrieval.Generation, err error) {
	start := time.Now()
	defer func() {
		if b.opts.OnRebuild != nil {
			b.opts.OnRebuild(g, err)
		}
	}()

	txns, err := b.source.ListAllTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("Rebuild: list transactions: %w", err)
	}

	entries := make([]retrieval.Entry, len(txns))
	eg, egctx := errgroup.WithContext(embedding.WithTask(ctx, embedding.TaskDocument))
	eg.SetLimit(b.opts.Concurrency)
	for i, t := range txns {
		eg.Go(func() error {
			if egctx.Err() != nil {
				return egctx.Err()
			}
			text := embedding.DocumentText(t, b.opts.Currency)
			vec, err := b.embedder.Embed(egctx, text)
			if err != nil {
				return fmt.Errorf("embed transaction %s: %w", t.ID, err)
			}
			entries[i] = retrieval.Entry{Transaction: t, Text: text, Embedding: vec}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("Rebuild: %w", err)
	}

	g, err = b.index.Build(ctx, b.embedder.Model(), b.embedder.Dimensions(), entries, b.opts.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("Rebuild: %w", err)
	}
	b.log.Info().
		Int64("generation", g.ID).
		Int("documents", g.Documents).
		Str("model", g.Model).
		Dur("elapsed", time.Since(start)).
		Msg("index rebuilt")

	if b.snapshotsEnabled() {
		if err := b.upload(ctx, g); err != nil {
			b.log.Warn().Err(err).Int64("generation", g.ID).Msg("snapshot upload failed")
		}
	}
	return g, nil
}

// Export writes the active generation as a snapshot.
func (b *Builder) Export(w io.Writer) (*retrieval.Generation, error) {
	g := b.index.Current()
	if g == nil {
		return nil, apperr.E(apperr.CodeRetrievalUnavailable, "Builder.Export", "the index has not been built yet", nil)
	}
	if err := g.Export(w); err != nil {
		return nil, err
	}
	return g, nil
}

// Restore downloads the configured snapshot and installs it.
func (b *Builder) Restore(ctx context.Context) (*retrieval.Generation, error) {
	if !b.snapshotsEnabled() {
		return nil, apperr.E(apperr.CodeInvalidArgument, "Builder.Restore", "no snapshot bucket configured", nil)
	}
	rc, err := b.store.Download(ctx, b.opts.Bucket, b.opts.Object)
	if err != nil {
		return nil, fmt.Errorf("Restore: %w", err)
	}
	defer rc.Close()
	return b.RestoreFrom(rc)
}

// RestoreFrom installs a snapshot read from r. A snapshot embedded with a
// different model or dimension count than the configured embedder is rejected.
func (b *Builder) RestoreFrom(r io.Reader) (*retrieval.Generation, error) {
	const op = "Builder.RestoreFrom"

	g, hdr, err := retrieval.ReadSnapshot(r)
	if err != nil {
		return nil, apperr.E(apperr.CodeInvalidArgument, op, "unreadable snapshot", err)
	}
	if hdr.Model != b.embedder.Model() || hdr.Dimensions != b.embedder.Dimensions() {
		return nil, apperr.Errorf(apperr.CodeInvalidArgument, op,
			"snapshot was embedded with %s/%d, configured embedder is %s/%d",
			hdr.Model, hdr.Dimensions, b.embedder.Model(), b.embedder.Dimensions())
	}
	b.index.Install(g)
	b.log.Info().
		Int64("generation", g.ID).
		Int64("snapshot_generation", hdr.Generation).
		Int("documents", g.Documents).
		Msg("index restored from snapshot")
	return g, nil
}

func (b *Builder) snapshotsEnabled() bool {
	return b.store != nil && b.opts.Bucket != "" && b.opts.Object != ""
}

func (b *Builder) upload(ctx context.Context, g *retrieval.Generation) error {
	var buf bytes.Buffer
	if err := g.Export(&buf); err != nil {
		return err
	}
	if err := b.store.Upload(ctx, b.opts.Bucket, b.opts.Object, &buf); err != nil {
		return err
	}
	b.log.Info().Str("uri", gcs.URI(b.opts.Bucket, b.opts.Object)).Int64("generation", g.ID).Msg("snapshot uploaded")
	return nil
}
