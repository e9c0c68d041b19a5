// Package cryptoutil holds the hashing and MAC primitives used for payment
// proofs and order tokens.
//
// Order tokens are MACs over an order id. They let the buyer who placed an
// order upload its proof without an account, and stop anyone else from
// attaching a proof to an order id they guessed or scraped. KMSMacSigner keeps
// the key in KMS; HMACSigner is the local fallback for development.
package cryptoutil
