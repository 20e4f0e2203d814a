// Package service exposes the operational HTTP surface of the detection
// engine.
package service

import (
	"github.com/google/wire"
)

// ProviderSet is service providers.
var ProviderSet = wire.NewSet(
	NewHealthService,
)
