/*
Package observability turns lifecycle hooks into Prometheus metrics and
structured log lines.

Both helpers return domain.LifecycleHooks, so they compose with Merge and plug
into session.WithLifecycleHooks on the authority and renderer.WithLifecycleHooks
on the renderer:

	metrics, err := observability.NewMetrics(prometheus.DefaultRegisterer)
	hooks := metrics.Hooks().Merge(observability.LogHooks(logger))
*/
package observability
