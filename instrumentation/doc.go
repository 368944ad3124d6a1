// Package instrumentation provides OpenTelemetry instrumentation for the
// grant primitives.
//
// Components obtain tracers and meters through an *Instrumentation, so a
// single Config decides whether telemetry is exported (caller-provided or
// global providers) or discarded (no-op providers, zero overhead).
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-authorization-server",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//		MeterProvider:  meterProvider,
//		TracerProvider: tracerProvider,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// # Available Metrics
//
//   - oauth.code.issued{client_id} - authorization codes minted
//   - oauth.code.extracted{result} - code exchanges (found, absent)
//   - oauth.token.issued{client_id, refreshable} - access tokens issued
//   - oauth.token.refreshed{client_id, rotated} - refresh grants served
//   - oauth.token.recovered{space, result} - token lookups
//   - oauth.token.revoked - revocations
//   - oauth.client.check{result} - client authentications
//   - oauth.rate_limit.exceeded - throttled client checks
//   - oauth.primitive.operation.total{component, operation, result}
//   - oauth.primitive.operation.duration{component, operation} (ms)
//   - oauth.store.codes, oauth.store.access_tokens,
//     oauth.store.refresh_tokens, oauth.store.clients (gauges)
//
// Never record credential values (codes, tokens, passphrases) as attributes.
package instrumentation
