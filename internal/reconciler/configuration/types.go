package configuration

import (
	"github.com/traingrid/traingrid/internal/reconciler"
	serverconfig "github.com/traingrid/traingrid/internal/server/configuration"
)

type ReconcilerConfig struct {
	MetricsPort uint16

	// ObjectStoreDir must point at the same chunk store the server writes.
	ObjectStoreDir string

	Postgres  serverconfig.PostgresConfig
	Reconcile reconciler.Config
}
