// Package util provides small helpers shared by the grant stores: making
// credentials safe to log and producing stable log identifiers.
package util
