// Package security verifies storefront payloads signed as compact JWS with an
// embedded x5c certificate chain. A payload is trusted only when every link
// of its chain verifies, the chain ends at a configured root, and the leaf key
// verifies the JWS signature.
package security
