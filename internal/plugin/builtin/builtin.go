// Package builtin registers the compiled-in defaults every host starts
// with: a fallback screen shown when a session bundle supplies nothing,
// and a host diagnostics service. Importing the package (blank import from
// the host binary) is what installs them.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/Velora-App/ota_layer/internal/app/registry"
	"github.com/Velora-App/ota_layer/internal/plugin"
)

func init() {
	plugin.RegisterComponent("fallback", "placeholder screen shown when no session bundle provides one",
		func() registry.Component { return registry.ComponentFunc(renderFallback) })
	plugin.RegisterService("host", "host runtime diagnostics",
		func() registry.Service { return registry.ServiceFunc(invokeHost) })
}

func renderFallback(ctx context.Context, props map[string]any) (string, error) {
	out := map[string]any{
		"type":    "fallback",
		"message": "content unavailable",
	}
	if m, ok := props["message"].(string); ok && m != "" {
		out["message"] = m
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func invokeHost(ctx context.Context, method string, args map[string]any) (any, error) {
	switch method {
	case "info":
		return map[string]any{
			"go_version": runtime.Version(),
			"num_cpu":    runtime.NumCPU(),
			"goos":       runtime.GOOS,
			"goarch":     runtime.GOARCH,
		}, nil
	default:
		return nil, fmt.Errorf("host service has no method %q", method)
	}
}
