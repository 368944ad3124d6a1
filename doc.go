// Package grants defines the grant-issuance core of an OAuth 2 authorization
// server: the data exchanged between an orchestrator and its primitives
// (grants, clients, scopes, tokens) and the three capability contracts the
// orchestrator sequences per flow.
//
//   - Registrar validates client identity, redirect URIs and requested scope,
//     and produces a PreGrant.
//   - Authorizer turns an approved Grant into a single-use authorization code
//     and exchanges that code back exactly once.
//   - Issuer turns a Grant into an access/refresh token pair and recovers the
//     Grant from a presented token.
//
// The contracts are synchronous and each implementation guards its own
// store: there is no shared state between components and no lock is held
// across component boundaries.
//
// Reference implementations live in the registrar, authorizer and issuer
// packages (in-memory) and in storage/valkey. The adapter package exposes
// any backend with a context-aware calling convention, and the server
// package composes everything from a Config.
//
// A typical authorization code flow:
//
//	bound, err := reg.BoundRedirect(grants.ClientURL{ClientID: "app1"})
//	pre, err := reg.Negotiate(bound, &requested)
//	// resource owner approves
//	grant := pre.Approve(ownerID, now, now.Add(time.Hour))
//	code, err := auth.Authorize(grant)
//	// client exchanges code
//	g, err := auth.Extract(code)
//	token, err := iss.Issue(*g)
package grants
