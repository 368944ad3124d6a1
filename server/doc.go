// Package server composes the grant primitives into a ready to use set.
//
// A Config selects the backends and policies; New builds an in-memory
// Registrar, an Authorizer and an Issuer (in memory or in Valkey) and wraps
// each in its adapter, so callers get context-aware, instrumented and
// audited access.
//
// Configuration can be loaded from OAUTH_GRANTS_* environment variables:
//
//	cfg, err := server.LoadConfigFromEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cfg.Logger = logger
//
//	srv, err := server.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Shutdown(context.Background())
//
//	bound, err := srv.Registrar().BoundRedirect(ctx, grants.ClientURL{ClientID: id})
package server
