// Package plugin defines the plugin contract and the manager that starts,
// stops and reconfigures plugins from the config file.
package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"atmobot/internal/config"
	"atmobot/internal/eventbus"
	"atmobot/internal/router"
	"atmobot/internal/task/scheduler"
	kit "atmobot/internal/transport"
	logx "atmobot/pkg/logx"
)

type Plugin interface {
	Name() string
	Init(ctx context.Context, deps Deps) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Commands() []router.Command
}

// Configurable plugins receive their raw config block before Start and on
// every change while running.
type Configurable interface {
	OnConfigChange(ctx context.Context, raw json.RawMessage) error
}

// ConfigValidator is an optional hook to validate plugin config before a
// reload is committed.
type ConfigValidator interface {
	ValidateConfig(ctx context.Context, raw json.RawMessage) error
}

// UpdateObserver plugins see every incoming chat update.
type UpdateObserver interface {
	OnUpdate(ctx context.Context, up kit.Update)
}

type HealthChecker interface {
	Health(ctx context.Context) (status string, err error)
}

type Deps struct {
	Logger       logx.Logger
	Adapter      kit.Adapter
	Config       *config.Manager
	Scheduler    *scheduler.Service
	Bus          eventbus.Bus
	OwnerUserIDs []int64
}

// DecodePluginConfig decodes a raw plugin config block, rejecting unknown
// fields. An empty block yields the zero value.
func DecodePluginConfig[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return out, errors.New("plugin config: trailing data")
	}
	return out, nil
}
