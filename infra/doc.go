// Package infra contains technical adapters: the MQTT client, metrics
// exporters, error monitoring and the Redis state mirror. These packages
// depend only on the interfaces defined in the core packages.
package infra
