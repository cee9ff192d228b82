// Package stepmonitor drives a device step sensor for a fitness client.
//
// A SensorMonitor composes four host primitives (capability probe,
// permission negotiator, count source and live feed) into one controller
// with a small read model, MonitorState:
//
//   - the device may lack the sensor (PhaseUnavailable)
//   - permission may be refused, either re-askable (PhasePermissionDeniedSoft)
//     or for good, in which case only system settings can grant it
//     (PhasePermissionDeniedPermanent, CanOpenExternalSettings)
//   - once granted, exactly one live subscription is held and every event
//     triggers a fresh query over [local midnight, now) (PhaseActive)
//
// Sensor failures never escape as errors; they become states with a message
// and a retry. Errors returned by the operations only signal misuse, such as
// retrying while active.
//
// Basic usage:
//
//	m, err := stepmonitor.New(stepmonitor.Host{
//	  Capability:  store,
//	  Permissions: grants,
//	  Counts:      store,
//	  Feed:        feed,
//	  Settings:    grants,
//	}, stepmonitor.DefaultConfig())
//	if err != nil {
//	  log.Fatal(err)
//	}
//	defer m.Stop()
//
//	state := m.Start(ctx)
//	if state.CanRetry() {
//	  state, _ = m.Retry(ctx)
//	}
//
// Service adds a midnight rollover job, a Prometheus registry and an
// optional remote write exporter around a monitor.
package stepmonitor
