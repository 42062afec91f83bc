package entitlements

import "github.com/goliatone/go-entitlements/core"

type Config = core.Config

type Policy = core.Policy

type Option = core.Option

type Service = core.Service

type ServiceDependencies = core.ServiceDependencies
type PayloadVerifier = core.PayloadVerifier
type TransactionFetcher = core.TransactionFetcher
type AccountResolver = core.AccountResolver
type ProductCatalog = core.ProductCatalog
type EntitlementStore = core.EntitlementStore
type MetricsRecorder = core.MetricsRecorder

type Product = core.Product
type AccountRef = core.AccountRef
type Subscription = core.Subscription
type LedgerEntry = core.LedgerEntry

type ClientValidationRequest = core.ClientValidationRequest
type SpendRequest = core.SpendRequest

type EntitlementSnapshot = core.EntitlementSnapshot
type NotificationResult = core.NotificationResult
type SpendResult = core.SpendResult

var (
	WithLogger             = core.WithLogger
	WithLoggerProvider     = core.WithLoggerProvider
	WithMetricsRecorder    = core.WithMetricsRecorder
	WithErrorFactory       = core.WithErrorFactory
	WithErrorMapper        = core.WithErrorMapper
	WithConfigProvider     = core.WithConfigProvider
	WithOptionsResolver    = core.WithOptionsResolver
	WithPayloadVerifier    = core.WithPayloadVerifier
	WithTransactionFetcher = core.WithTransactionFetcher
	WithStore              = core.WithStore
	WithAccountResolver    = core.WithAccountResolver
	WithProductCatalog     = core.WithProductCatalog
	WithClock              = core.WithClock
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	return core.NewService(cfg, opts...)
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return core.Setup(cfg, opts...)
}
