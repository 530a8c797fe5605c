package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"AgentCustody/internal/config"
	"AgentCustody/internal/venue"
	"AgentCustody/internal/venue/evm"
)

// Registry manages a set of venue adapters keyed by human readable names.
type Registry struct {
	defaultVenue string
	adapters     map[string]venue.Adapter
}

// NewRegistry loads venue definitions and instantiates concrete adapters.
func NewRegistry(ctx context.Context, cfg config.VenueConfig) (*Registry, error) {
	defs, err := venue.LoadDefinitions(cfg.Definitions)
	if err != nil {
		return nil, err
	}

	adapters := make(map[string]venue.Adapter)
	for name, def := range defs.Venues {
		venueType := strings.ToLower(strings.TrimSpace(def.Type))
		if venueType == "" {
			venueType = "evm"
		}
		switch venueType {
		case "evm":
			keyHex := ""
			if env := strings.TrimSpace(def.PrivateKeyEnv); env != "" {
				keyHex = os.Getenv(env)
			}
			adapter, err := evm.NewAdapter(ctx, evm.Config{
				Name:          name,
				RPCURL:        def.RPCURL,
				Router:        def.Router,
				ChainID:       def.ChainID,
				PrivateKeyHex: keyHex,
				Notes:         def.Description,
			})
			if err != nil {
				closeAll(adapters)
				return nil, fmt.Errorf("初始化场所 %s 失败: %w", name, err)
			}
			adapters[name] = adapter
		default:
			closeAll(adapters)
			return nil, fmt.Errorf("场所 %s 使用了不支持的类型 %s", name, def.Type)
		}
	}

	if len(adapters) == 0 {
		return nil, errors.New("未配置任何执行场所")
	}

	defaultVenue := cfg.DefaultVenue
	if defaultVenue == "" {
		names := make([]string, 0, len(adapters))
		for name := range adapters {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultVenue = names[0]
	}
	if _, ok := adapters[defaultVenue]; !ok {
		closeAll(adapters)
		return nil, fmt.Errorf("默认场所 %s 未在配置中找到", defaultVenue)
	}

	return &Registry{defaultVenue: defaultVenue, adapters: adapters}, nil
}

// DefaultAdapter returns the adapter configured as the default venue.
func (r *Registry) DefaultAdapter() (venue.Adapter, error) {
	if r == nil {
		return nil, errors.New("未初始化的场所注册表")
	}
	adapter, ok := r.adapters[r.defaultVenue]
	if !ok {
		return nil, fmt.Errorf("默认场所 %s 未在注册表中", r.defaultVenue)
	}
	return adapter, nil
}

// Adapter returns the venue adapter identified by name.
func (r *Registry) Adapter(name string) (venue.Adapter, bool) {
	if r == nil {
		return nil, false
	}
	adapter, ok := r.adapters[name]
	return adapter, ok
}

// Close releases all adapters managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeAll(r.adapters)
}

// Venues returns the list of registered venue names.
func (r *Registry) Venues() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func closeAll(adapters map[string]venue.Adapter) {
	for name, adapter := range adapters {
		if adapter != nil {
			adapter.Close()
		}
		delete(adapters, name)
	}
}
