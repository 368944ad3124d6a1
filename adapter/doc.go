// Package adapter exposes grant primitives to request handlers.
//
// The primitives in the root package are synchronous and carry no context.
// The wrappers here add the calling convention handlers need:
//
//   - every method takes a context.Context; a context that is already done
//     fails the call with ctx.Err() before the backend is touched
//   - a call that has reached the backend runs to completion, so a
//     cancelled request never leaves a half-applied mutation behind
//   - the wrapper serialises calls to its backend (registrar reads share
//     a read lock)
//   - each call gets an OpenTelemetry span, operation metrics and, for
//     security relevant outcomes, an audit event
//
// Wrappers do not implement the primitive interfaces, so a wrapper can
// never be wrapped a second time.
//
// # Usage
//
//	reg := adapter.NewRegistrar(registrar.New(),
//	    adapter.WithInstrumentation(inst),
//	    adapter.WithAuditor(security.NewAuditor(logger, true)),
//	    adapter.WithCheckRateLimit(1, 5),
//	)
//	defer reg.Close()
//
//	bound, err := reg.BoundRedirect(ctx, grants.ClientURL{ClientID: id})
package adapter
