// Package telemetry sets up OpenTelemetry tracing for the profiler
// services and wraps span creation.
//
// The exporter is configured from the standard OTEL_* environment
// variables, optionally refined by the telemetry section of the config
// file:
//
//	OTEL_ENABLED                 enable tracing (default false)
//	OTEL_SERVICE_NAME            service name (default vm-profiler)
//	OTEL_SERVICE_VERSION         service version (default unknown)
//	OTEL_EXPORTER_OTLP_ENDPOINT  collector endpoint
//	OTEL_EXPORTER_OTLP_PROTOCOL  grpc or http/protobuf (default grpc)
//	OTEL_EXPORTER_OTLP_HEADERS   k=v,k=v headers, e.g. Authorization
//	OTEL_EXPORTER_OTLP_INSECURE  plaintext transport
//	OTEL_TRACES_SAMPLER          sampler name (default always_on)
//	OTEL_TRACES_SAMPLER_ARG      ratio of the ratio samplers
//	OTEL_RESOURCE_ATTRIBUTES     k=v,k=v resource attributes
package telemetry

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Protocols accepted in Config.Protocol.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http/protobuf"
)

// Config describes the trace pipeline.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string

	// Endpoint is host:port or a URL; an http:// URL implies Insecure.
	Endpoint string
	Protocol string
	Headers  map[string]string
	Insecure bool

	// Sampler is one of always_on, always_off, traceidratio and their
	// parentbased_ variants. SamplerArg is the ratio, clamped to [0, 1].
	Sampler    string
	SamplerArg string

	ResourceAttrs map[string]string
}

// LoadFromEnv reads the OTEL_* environment variables.
func LoadFromEnv() *Config {
	return &Config{
		Enabled:        envBool("OTEL_ENABLED"),
		ServiceName:    envOr("OTEL_SERVICE_NAME", "vm-profiler"),
		ServiceVersion: envOr("OTEL_SERVICE_VERSION", "unknown"),
		Endpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Protocol:       envOr("OTEL_EXPORTER_OTLP_PROTOCOL", ProtocolGRPC),
		Headers:        parsePairs(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Insecure:       envBool("OTEL_EXPORTER_OTLP_INSECURE"),
		Sampler:        os.Getenv("OTEL_TRACES_SAMPLER"),
		SamplerArg:     os.Getenv("OTEL_TRACES_SAMPLER_ARG"),
		ResourceAttrs:  parsePairs(os.Getenv("OTEL_RESOURCE_ATTRIBUTES")),
	}
}

// Merge overrides c with the non-zero fields of o. It lets a config file
// refine the environment: o.Enabled can only switch tracing on.
func (c *Config) Merge(o Config) {
	c.Enabled = c.Enabled || o.Enabled
	c.Insecure = c.Insecure || o.Insecure
	override(&c.ServiceName, o.ServiceName)
	override(&c.ServiceVersion, o.ServiceVersion)
	override(&c.Endpoint, o.Endpoint)
	override(&c.Protocol, o.Protocol)
	override(&c.Sampler, o.Sampler)
	override(&c.SamplerArg, o.SamplerArg)
	c.Headers = mergePairs(c.Headers, o.Headers)
	c.ResourceAttrs = mergePairs(c.ResourceAttrs, o.ResourceAttrs)
}

// Validate checks the protocol and sampler names.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Protocol) {
	case "", ProtocolGRPC, ProtocolHTTP, "http":
	default:
		return fmt.Errorf("unknown OTLP protocol %q", c.Protocol)
	}
	if _, err := newSampler(c.Sampler, c.SamplerArg); err != nil {
		return err
	}
	return nil
}

func override(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}

// parsePairs parses "k1=v1,k2=v2". Values may contain '='; entries
// without a key are skipped.
func parsePairs(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

func mergePairs(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
