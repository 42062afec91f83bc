package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ EntitlementStore = (*MemoryStore)(nil)
	_ EntitlementTx    = (*memoryTx)(nil)
	_ ProductCatalog   = StaticProductCatalog{}
	_ MetricsRecorder  = NopMetricsRecorder{}

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
