// Copyright 2025 James Ross
package relational

import (
	"fmt"

	"github.com/flyingrobots/dataqueue/internal/backend"
)

type factory struct{}

func (factory) Create(config any) (backend.Backend, error) {
	cfg, ok := config.(Config)
	if !ok {
		return nil, fmt.Errorf("dataqueue: relational factory expects relational.Config, got %T", config)
	}
	return New(cfg)
}

func init() {
	backend.RegisterBackend(backend.TypeRelational, factory{})
}
