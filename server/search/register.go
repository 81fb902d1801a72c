// SPDX-License-Identifier: MPL-2.0

package search

import (
	"context"

	"requery/server/core"
)

// RegisterEndpoint builds the REST client for an endpoint and registers it
// with the engine. Called at boot for every stored endpoint and again
// whenever an endpoint is saved.
func RegisterEndpoint(app *core.App, endpoint core.Endpoint) {
	core.RegisterAdapter(app, endpoint.AdapterKey(), NewEndpointClient(endpoint))
}

// RegisterAllEndpoints wires up an adapter for every stored endpoint.
func RegisterAllEndpoints(app *core.App, ctx context.Context) error {
	endpoints, err := core.ListEndpoints(app, ctx)
	if err != nil {
		return err
	}
	for _, endpoint := range endpoints {
		RegisterEndpoint(app, endpoint)
	}
	return nil
}
