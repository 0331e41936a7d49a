// Package services provides the centralized component registry for drover.
//
// Registry pattern for accessing the orchestrator's core components (store,
// gateway, tracker, detector, engine, poller, recovery, invoker, publisher).
// Use NewRegistry() to create a registry with component instances, then
// accessor methods to retrieve individual components.
package services
