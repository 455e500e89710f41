// Package client is the facade a host embeds.
//
// A Client owns the participant context, the store and the task loop they
// deliver events on, and turns Confirm/Contaminate signals into context
// records and beacon events. Hosts run Client.Run on one goroutine (or call
// Loop().Drain in tests) and hand the client to a runner and an asset
// manager:
//
//	c, err := client.New(opts, client.Deps{})
//	...
//	if err := c.Initialize(ctx, remote, local); err != nil { ... }
//	r := runner.New(c, doc, registry, runner.WithPoster(c.Loop()))
//	assets.New(c, doc, r).Start()
//	r.Start(ctx)
//	go c.Run(ctx)
//
// Telemetry never fails the caller: beacon errors are logged and dropped.
package client
