package store

import (
	"context"
	"fmt"

	"sigs.k8s.io/controller-runtime/pkg/client"
)

// New creates the store selected by cfg. cl is only used by the configmap backend.
func New(ctx context.Context, cfg StoreConfig, cl client.Client) (Store, error) {
	switch cfg.Type {
	case StoreTypeFile, "":
		return NewFileStore(cfg.Dir)
	case StoreTypeConfigMap:
		return NewConfigMapStore(cl, cfg.Namespace, cfg.Name)
	case StoreTypeSQL:
		return OpenSQLStore(ctx, cfg.Driver, cfg.DSN, cfg.Table)
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}
