// Package valkey provides a Valkey-backed Authorizer and Issuer.
//
// Valkey is a high-performance key-value store that is wire-compatible with
// Redis. Codes and tokens stored here survive restarts and are shared by
// every instance of a horizontally scaled authorization server.
//
// # Key Schema
//
// All keys use a configurable prefix (default "grants:"):
//
//	{prefix}code:{code}       -> record (TTL = code lifetime)
//	{prefix}access:{token}    -> record (TTL = access token lifetime)
//	{prefix}refresh:{token}   -> record (TTL = refresh token lifetime, or none)
//	{prefix}refresh-access:{token}
//	                          -> access key last minted with the refresh token
//	                             (TTL = refresh token lifetime, or none)
//
// A record is the JSON encoding of the grant and its expiry. With an
// Encryptor set the JSON is sealed with AES-256-GCM using the key as
// additional data. The paired access key is stored in plaintext so Revoke
// can remove it inside its script.
//
// # Atomic Operations
//
// Every state transition runs as one Lua script:
//
//   - Extract reads and deletes a code, so a code is redeemed at most once
//   - Issue creates the access and refresh keys only if neither exists
//   - Refresh swaps the presented refresh record for the new tokens only if
//     the record is unchanged since it was read
//   - Revoke deletes an access key, or a refresh key together with its
//     paired access key
//
// Scripts touch several keys of one token family. Cluster deployments need
// all keys of a store in one hash slot, e.g. with a prefix like "{grants}:".
//
// # Failure Reporting
//
// The primitive contracts carry no context, so each call runs under its own
// timeout (Config.OperationTimeout). Connection errors, timeouts and
// undecodable records are logged and reported as grants.ErrPrimitive.
//
// # Usage
//
//	store, err := valkey.New(valkey.Config{Address: "localhost:6379"})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	auth := store.Authorizer()
//	iss := store.Issuer()
package valkey
