// Package ciqueuecontext extends Go's context with a structured logger,
// so the distribution protocol can pass a single value around instead of
// threading both a context.Context and a logging.Logger everywhere.
package ciqueuecontext

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/figma/ci-queue/internal/logging"
)

type Context struct {
	context.Context
	Log logging.Logger
}

// Background returns an empty context with a default logger, analogous
// to context.Background().
func Background() *Context {
	return &Context{
		Context: context.Background(),
		Log:     logging.New(),
	}
}

// New wraps an existing context and logger together.
func New(ctx context.Context, log logging.Logger) *Context {
	return &Context{Context: ctx, Log: log}
}

func WithCancel(parent *Context) (*Context, context.CancelFunc) {
	c, cancel := context.WithCancel(parent.Context)
	return &Context{Context: c, Log: parent.Log}, cancel
}

func WithDeadline(parent *Context, d time.Time) (*Context, context.CancelFunc) {
	c, cancel := context.WithDeadline(parent.Context, d)
	return &Context{Context: c, Log: parent.Log}, cancel
}

func WithTimeout(parent *Context, timeout time.Duration) (*Context, context.CancelFunc) {
	return WithDeadline(parent, time.Now().Add(timeout))
}

func WithLogField(parent *Context, key string, val any) *Context {
	return &Context{Context: parent.Context, Log: parent.Log.With(key, val)}
}

// BackgroundWithShutdown returns a Context that is cancelled on the first
// SIGINT/SIGTERM. It only cancels the context: it does not call
// Worker.Shutdown, so a unit in flight is interrupted rather than run to
// completion.
func BackgroundWithShutdown(log logging.Logger) (*Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-c:
			cancel()
		case <-ctx.Done():
		}
	}()
	return &Context{Context: ctx, Log: log}, cancel
}

// ErrGroup returns a new error group and an associated Context derived
// from ctx, analogous to errgroup.WithContext(ctx).
func ErrGroup(ctx *Context) (*errgroup.Group, *Context) {
	group, goctx := errgroup.WithContext(ctx)
	return group, &Context{Context: goctx, Log: ctx.Log}
}
