// Package x402 implements the x402 payment protocol: HTTP 402 challenges
// carrying machine-readable payment requirements, signed payment payloads in
// the X-PAYMENT header, and facilitator-backed verification and settlement.
//
// The package is transport-agnostic. HTTP plumbing lives in the http
// subpackage, chain-specific scheme implementations under mechanisms, and
// protocol extensions under extensions.
package x402
