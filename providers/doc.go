// Package providers holds upstream storefront integrations. Each subpackage
// implements core.TransactionFetcher for one storefront.
package providers
