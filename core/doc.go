// Package core contains the entitlement domain: accounts, subscriptions,
// credit ledger entries, the state machine that applies verified storefront
// events, and the reconciliation service that owns transaction boundaries.
// Storage, transport and cryptographic adapters depend on this package; core
// must not depend on them.
package core
