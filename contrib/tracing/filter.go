package tracing

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/crazyfrankie/zhttp/stats"
)

// Filter is a predicate used to determine whether a given exchange should
// be traced. A Filter must be concurrent safe.
type Filter func(ctx context.Context, info *stats.ExchangeTagInfo) bool

// AcceptAll returns a Filter that accepts all exchanges.
func AcceptAll() Filter {
	return func(context.Context, *stats.ExchangeTagInfo) bool {
		return true
	}
}

// RejectAll returns a Filter that rejects all exchanges.
func RejectAll() Filter {
	return func(context.Context, *stats.ExchangeTagInfo) bool {
		return false
	}
}

// PathFilter returns a Filter that accepts only exchanges with the given paths.
func PathFilter(paths ...string) Filter {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return func(_ context.Context, info *stats.ExchangeTagInfo) bool {
		_, ok := set[pathOnly(info.Path)]
		return ok
	}
}

// PathPrefixFilter returns a Filter that accepts exchanges whose path has
// any of the given prefixes.
func PathPrefixFilter(prefixes ...string) Filter {
	return func(_ context.Context, info *stats.ExchangeTagInfo) bool {
		for _, prefix := range prefixes {
			if strings.HasPrefix(info.Path, prefix) {
				return true
			}
		}
		return false
	}
}

// MethodFilter returns a Filter that accepts only the given request methods.
func MethodFilter(methods ...string) Filter {
	return func(_ context.Context, info *stats.ExchangeTagInfo) bool {
		for _, m := range methods {
			if strings.EqualFold(m, info.Method) {
				return true
			}
		}
		return false
	}
}

// HealthCheckFilter returns a Filter that rejects health check requests.
func HealthCheckFilter() Filter {
	return func(_ context.Context, info *stats.ExchangeTagInfo) bool {
		p := pathOnly(info.Path)
		return p != "/healthz" && p != "/readyz" && p != "/livez"
	}
}

// ParentFilter returns a Filter that only traces exchanges started under
// a recording span, so background traffic does not open root spans.
func ParentFilter() Filter {
	return func(ctx context.Context, _ *stats.ExchangeTagInfo) bool {
		return trace.SpanFromContext(ctx).IsRecording()
	}
}

// Any returns a Filter that accepts exchanges that are accepted by any of the given filters.
func Any(filters ...Filter) Filter {
	return func(ctx context.Context, info *stats.ExchangeTagInfo) bool {
		for _, filter := range filters {
			if filter(ctx, info) {
				return true
			}
		}
		return false
	}
}

// All returns a Filter that accepts exchanges that are accepted by all of the given filters.
func All(filters ...Filter) Filter {
	return func(ctx context.Context, info *stats.ExchangeTagInfo) bool {
		for _, filter := range filters {
			if !filter(ctx, info) {
				return false
			}
		}
		return true
	}
}

// Not returns a Filter that accepts exchanges that are rejected by the given filter.
func Not(filter Filter) Filter {
	return func(ctx context.Context, info *stats.ExchangeTagInfo) bool {
		return !filter(ctx, info)
	}
}

func pathOnly(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		return p[:i]
	}
	return p
}
