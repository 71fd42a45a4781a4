// Package keyed tags async work with per-key generations so stale results
// can be dropped, and joins duplicate in-flight calls for the same key.
package keyed

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Token is a generation captured at dispatch time.
type Token struct {
	Key string
	Gen uint64
}

func (t Token) String() string {
	return t.Key + "#" + strconv.FormatUint(t.Gen, 10)
}

// Generations hands out monotonically increasing tokens per key.
type Generations struct {
	mu   sync.Mutex
	gens map[string]uint64
}

// Begin bumps key's generation and returns the new token. Every token
// issued earlier for key becomes stale.
func (g *Generations) Begin(key string) Token {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gens == nil {
		g.gens = make(map[string]uint64)
	}
	g.gens[key]++
	return Token{Key: key, Gen: g.gens[key]}
}

// Current returns key's present token without bumping it.
func (g *Generations) Current(key string) Token {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Token{Key: key, Gen: g.gens[key]}
}

// Valid reports whether t is still the latest token for its key.
func (g *Generations) Valid(t Token) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gens[t.Key] == t.Gen
}

// Group joins concurrent calls that share a key.
type Group[T any] struct {
	sf singleflight.Group
}

// Do runs fn once per key at a time; callers arriving while it runs get the
// same result. shared is true when the result was handed to more than one caller.
func (g *Group[T]) Do(key string, fn func() (T, error)) (v T, err error, shared bool) {
	res, err, shared := g.sf.Do(key, func() (any, error) {
		return fn()
	})
	if res != nil {
		v = res.(T)
	}
	return v, err, shared
}

// Forget makes the next Do for key run fn again even if a call is in flight.
func (g *Group[T]) Forget(key string) {
	g.sf.Forget(key)
}

// Latest dedups work per key and discards results from superseded generations.
type Latest[T any] struct {
	gens  Generations
	group singleflight.Group

	mu      sync.Mutex
	cancels map[Token]context.CancelFunc
	runCtx  map[Token]context.Context
}

// Invalidate makes in-flight work for key stale and cancels its context.
func (l *Latest[T]) Invalidate(key string) Token {
	l.mu.Lock()
	for tok, cancel := range l.cancels {
		if tok.Key == key {
			cancel()
			delete(l.cancels, tok)
			delete(l.runCtx, tok)
		}
	}
	l.mu.Unlock()
	return l.gens.Begin(key)
}

// Valid reports whether tok is still current.
func (l *Latest[T]) Valid(tok Token) bool {
	return l.gens.Valid(tok)
}

// Do runs fn for key's current generation, joining any call already running
// for that generation. fresh is false when key was invalidated while fn ran;
// the value must then be ignored. ctx only bounds this caller's wait.
func (l *Latest[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (v T, fresh bool, err error) {
	tok := l.gens.Current(key)
	runCtx := l.contextFor(tok)

	ch := l.group.DoChan(tok.String(), func() (any, error) {
		defer l.release(tok)
		return fn(runCtx)
	})

	select {
	case r := <-ch:
		if !l.gens.Valid(tok) {
			return v, false, r.Err
		}
		if r.Val != nil {
			v = r.Val.(T)
		}
		return v, true, r.Err
	case <-ctx.Done():
		return v, false, ctx.Err()
	}
}

func (l *Latest[T]) contextFor(tok Token) context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.runCtx == nil {
		l.runCtx = make(map[Token]context.Context)
		l.cancels = make(map[Token]context.CancelFunc)
	}
	if ctx, ok := l.runCtx[tok]; ok {
		return ctx
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.runCtx[tok] = ctx
	l.cancels[tok] = cancel
	return ctx
}

func (l *Latest[T]) release(tok Token) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cancel, ok := l.cancels[tok]; ok {
		cancel()
		delete(l.cancels, tok)
		delete(l.runCtx, tok)
	}
}
