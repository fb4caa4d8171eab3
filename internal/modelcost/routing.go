// AngelaMos | 2026
// routing.go

package modelcost

import (
	"errors"
	"fmt"
	"sort"

	"github.com/carterperez-dev/varylite/internal/config"
)

type ProviderFamily string

const (
	ProviderFAL       ProviderFamily = "fal"
	ProviderReplicate ProviderFamily = "replicate"
	ProviderGoogle    ProviderFamily = "google"
)

var ErrModelNotRouted = errors.New("model has no provider route")

// Route tells the generation gateway how to reach a model. Each provider
// family has its own variant carrying only the fields it needs.
type Route interface {
	Family() ProviderFamily
	isRoute()
}

type FALRoute struct {
	Endpoint string
}

func (FALRoute) Family() ProviderFamily { return ProviderFAL }
func (FALRoute) isRoute()               {}

type ReplicateRoute struct {
	Version string
}

func (ReplicateRoute) Family() ProviderFamily { return ProviderReplicate }
func (ReplicateRoute) isRoute()               {}

type GoogleRoute struct {
	Model string
}

func (GoogleRoute) Family() ProviderFamily { return ProviderGoogle }
func (GoogleRoute) isRoute()               {}

type Routes map[string]Route

// ParseRoutes validates the configured model routing table. Any entry with
// an unknown provider or a missing family field is an error.
func ParseRoutes(models map[string]config.ModelConfig) (Routes, error) {
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)

	routes := make(Routes, len(models))
	for _, name := range names {
		route, err := parseRoute(models[name])
		if err != nil {
			return nil, fmt.Errorf("models.%s: %w", name, err)
		}
		routes[name] = route
	}

	return routes, nil
}

func parseRoute(m config.ModelConfig) (Route, error) {
	switch ProviderFamily(m.Provider) {
	case ProviderFAL:
		if m.Endpoint == "" {
			return nil, fmt.Errorf("fal model requires endpoint")
		}
		return FALRoute{Endpoint: m.Endpoint}, nil
	case ProviderReplicate:
		if m.Version == "" {
			return nil, fmt.Errorf("replicate model requires version")
		}
		return ReplicateRoute{Version: m.Version}, nil
	case ProviderGoogle:
		if m.Model == "" {
			return nil, fmt.Errorf("google model requires model")
		}
		return GoogleRoute{Model: m.Model}, nil
	case "":
		return nil, fmt.Errorf("provider is required")
	default:
		return nil, fmt.Errorf("unknown provider %q", m.Provider)
	}
}

func (r Routes) Lookup(modelName string) (Route, error) {
	route, ok := r[modelName]
	if !ok {
		return nil, fmt.Errorf("%s: %w", modelName, ErrModelNotRouted)
	}
	return route, nil
}
