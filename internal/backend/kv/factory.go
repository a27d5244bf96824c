// Copyright 2025 James Ross
package kv

import (
	"fmt"

	"github.com/flyingrobots/dataqueue/internal/backend"
)

type factory struct{}

func (factory) Create(config any) (backend.Backend, error) {
	cfg, ok := config.(Config)
	if !ok {
		return nil, fmt.Errorf("dataqueue: kv factory expects kv.Config, got %T", config)
	}
	return New(cfg)
}

func init() {
	backend.RegisterBackend(backend.TypeKV, factory{})
}
