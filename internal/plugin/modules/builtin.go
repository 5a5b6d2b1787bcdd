package modules

import "github.com/scanforge-io/scanforge/internal/plugin"

// Builtin returns the factories for the modules bundled with the engine.
// Callers register them into a plugin.Registry at startup:
//
//	registry := plugin.NewRegistry()
//	for _, f := range modules.Builtin() {
//		registry.MustRegister(f)
//	}
func Builtin() []plugin.Factory {
	return []plugin.Factory{
		NewDNSResolve,
		NewPortScanTCP,
	}
}
