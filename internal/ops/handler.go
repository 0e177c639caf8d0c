// SPDX-License-Identifier: MPL-2.0

package ops

import (
	"context"
	"io"

	"mvdan.cc/sh/v3/interp"
)

type (
	// HandlerContext provides the execution context of one op invocation.
	// It is extracted from mvdan/sh's interp.HandlerCtx.
	HandlerContext struct {
		// Stdin is the input stream for the op.
		Stdin io.Reader
		// Stdout is the output stream for the op.
		Stdout io.Writer
		// Stderr is the error output stream for the op.
		Stderr io.Writer
		// Dir is the current working directory.
		Dir string
		// LookupEnv retrieves script variables.
		LookupEnv func(string) (string, bool)
	}

	handlerContextKey struct{}
)

// ExtractHandlerContext extracts the HandlerContext from mvdan/sh's context.
func ExtractHandlerContext(ctx context.Context) *HandlerContext {
	hc := interp.HandlerCtx(ctx)
	return &HandlerContext{
		Stdin:  hc.Stdin,
		Stdout: hc.Stdout,
		Stderr: hc.Stderr,
		Dir:    hc.Dir,
		LookupEnv: func(name string) (string, bool) {
			v := hc.Env.Get(name)
			return v.Str, v.Set
		},
	}
}

// WithHandlerContext stores a HandlerContext in the context, so ops can be
// run outside an interpreter.
func WithHandlerContext(ctx context.Context, hc *HandlerContext) context.Context {
	return context.WithValue(ctx, handlerContextKey{}, hc)
}

// GetHandlerContext returns the HandlerContext stored by WithHandlerContext,
// or extracts one from mvdan/sh's handler context.
func GetHandlerContext(ctx context.Context) *HandlerContext {
	if hc, ok := ctx.Value(handlerContextKey{}).(*HandlerContext); ok {
		return hc
	}
	return ExtractHandlerContext(ctx)
}
