// Package resolver turns a registered LLM name into a validated content
// identifier by reading the name index and recombining its split fields.
//
// The resolver never retries: registry failures are returned to the caller
// as they are, annotated with the name they concern.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"xdao.co/llmindex/bytes32"
	"xdao.co/llmindex/model"
	"xdao.co/llmindex/registry"
)

type Resolver struct {
	reg  registry.Client
	opts Options
}

func New(reg registry.Client, opts Options) *Resolver {
	return &Resolver{reg: reg, opts: opts.withDefaults()}
}

// Resolve reads name's entry, combines its fields and validates the result.
//
// Errors: model.ErrNotFound, model.ErrRegistryUnavailable,
// model.ErrUnauthenticated and model.ErrUnauthorized from the registry;
// model.ErrNameTooLong for names that cannot be encoded;
// model.ErrMalformedIdentifier when the stored value is not an identifier.
func (r *Resolver) Resolve(ctx context.Context, name string) (*model.ResolvedName, error) {
	entry, err := r.reg.GetEntry(ctx, name)
	if err != nil {
		return nil, model.WithName(err, name)
	}
	id, err := bytes32.Combine(entry.Field1, entry.Field2)
	if err != nil {
		return nil, model.WithName(err, name)
	}
	if _, err := r.opts.Grammar.Parse(id.Raw); err != nil {
		return nil, &model.Error{Kind: model.KindMalformedIdentifier, Name: name, CID: id.Raw, Err: err}
	}

	r.opts.Logger.Debug("name resolved", "name", name, "cid", id.Raw)
	return &model.ResolvedName{
		Name:       name,
		Identifier: id,
		ResolvedAt: r.opts.Clock.Now(),
	}, nil
}

// ResolveAll lists every registered name and resolves each one. Results are
// in registry order and carry their own error; one bad entry does not
// affect the others. A listing failure is the call's error.
func (r *Resolver) ResolveAll(ctx context.Context) ([]model.Result, error) {
	names, err := r.reg.ListNames(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]model.Result, len(names))
	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for i, name := range names {
		g.Go(func() error {
			res, err := r.Resolve(ctx, name)
			results[i] = model.Result{Name: name, Resolved: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	if r.opts.Strict {
		if err := enforceStrict(results); err != nil {
			return results, err
		}
	}
	return results, nil
}

// Exists reports whether name is registered.
func (r *Resolver) Exists(ctx context.Context, name string) (bool, error) {
	ok, err := r.reg.Exists(ctx, name)
	if err != nil {
		return false, model.WithName(err, name)
	}
	return ok, nil
}

func enforceStrict(results []model.Result) error {
	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("strict mode: %d of %d names failed: %w", len(errs), len(results), errors.Join(errs...))
}
