// Package router picks, per file, whether a fetch is satisfied by the local
// snapshot or the remote API, with a configurable fallback strategy.
package router

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"ref2vec/internal/manifest"
	"ref2vec/internal/provider"
)

// Strategy selects the provider preference order. Strategies are chosen by
// configuration and never mixed within one run; fallback decisions are still
// made per file, so a single run may record both local and remote sources.
type Strategy string

const (
	StrategyLocalFirst  Strategy = "local-first"
	StrategyRemoteFirst Strategy = "remote-first"
	StrategyAuto        Strategy = "auto"
	StrategyLocalOnly   Strategy = "local-only"
	StrategyRemoteOnly  Strategy = "remote-only"
)

// ParseStrategy validates a strategy string from config or flags
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyLocalFirst, StrategyRemoteFirst, StrategyAuto, StrategyLocalOnly, StrategyRemoteOnly:
		return Strategy(s), nil
	case "":
		return StrategyLocalFirst, nil
	}
	return "", fmt.Errorf("unknown source strategy %q (want local-first, remote-first, auto, local-only or remote-only)", s)
}

// Router fetches attachments through the configured strategy. Either
// provider may be nil when unavailable; the strategy decides whether that
// is a fallback or a hard failure.
type Router struct {
	strategy Strategy
	local    provider.Provider
	resolver provider.LocalResolver
	remote   provider.Provider
	logger   *zap.Logger
}

// New creates a router. local may be nil when no snapshot is configured;
// remote may be nil when no API credentials are configured.
func New(strategy Strategy, local provider.Provider, remote provider.Provider, logger *zap.Logger) *Router {
	r := &Router{strategy: strategy, local: local, remote: remote, logger: logger}
	if resolver, ok := local.(provider.LocalResolver); ok {
		r.resolver = resolver
	}
	return r
}

// Primary returns the provider used for listing items and metadata
func (r *Router) Primary() (provider.Provider, error) {
	switch r.strategy {
	case StrategyRemoteFirst, StrategyRemoteOnly:
		if r.remote != nil {
			return r.remote, nil
		}
		if r.strategy == StrategyRemoteOnly {
			return nil, fmt.Errorf("%w: remote provider not configured", provider.ErrUnavailable)
		}
		return r.requireLocal()
	default:
		if r.local != nil {
			return r.local, nil
		}
		if r.strategy == StrategyLocalOnly {
			return nil, fmt.Errorf("%w: local provider not configured", provider.ErrUnavailable)
		}
		if r.remote != nil {
			return r.remote, nil
		}
		return nil, fmt.Errorf("%w: no provider configured", provider.ErrUnavailable)
	}
}

func (r *Router) requireLocal() (provider.Provider, error) {
	if r.local != nil {
		return r.local, nil
	}
	return nil, fmt.Errorf("%w: no provider configured", provider.ErrUnavailable)
}

// Fetch downloads one attachment and reports which source satisfied it
func (r *Router) Fetch(ctx context.Context, itemKey, attachmentKey, destDir string) (string, manifest.Source, error) {
	first, second := r.order(attachmentKey)

	if first.p == nil && second.p == nil {
		return "", "", fmt.Errorf("%w: no provider configured", provider.ErrUnavailable)
	}
	if first.p == nil {
		first, second = second, attempt{}
	}

	path, err := first.p.Fetch(ctx, itemKey, attachmentKey, destDir)
	if err == nil {
		return path, first.source, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "", "", err
	}

	if second.p == nil || !provider.Fallbackable(err) {
		return "", "", err
	}

	r.logger.Debug("Falling back to secondary source",
		zap.String("item", itemKey),
		zap.String("attachment", attachmentKey),
		zap.String("primary", string(first.source)),
		zap.Error(err),
	)

	path, err2 := second.p.Fetch(ctx, itemKey, attachmentKey, destDir)
	if err2 != nil {
		return "", "", fmt.Errorf("both sources failed: %v; fallback: %w", err, err2)
	}
	return path, second.source, nil
}

type attempt struct {
	p      provider.Provider
	source manifest.Source
}

// order returns the (primary, fallback) pair for one attachment. For the
// auto strategy the local snapshot wins only when it is known to hold the
// file; otherwise remote goes first.
func (r *Router) order(attachmentKey string) (attempt, attempt) {
	localAttempt := attempt{}
	if r.local != nil {
		localAttempt = attempt{p: r.local, source: manifest.SourceLocal}
	}
	remoteAttempt := attempt{}
	if r.remote != nil {
		remoteAttempt = attempt{p: r.remote, source: manifest.SourceRemote}
	}

	switch r.strategy {
	case StrategyLocalOnly:
		return localAttempt, attempt{}
	case StrategyRemoteOnly:
		return remoteAttempt, attempt{}
	case StrategyRemoteFirst:
		return remoteAttempt, localAttempt
	case StrategyAuto:
		if r.resolver != nil && r.resolver.CanResolveLocally(attachmentKey) {
			return localAttempt, remoteAttempt
		}
		return remoteAttempt, localAttempt
	default: // local-first
		return localAttempt, remoteAttempt
	}
}
