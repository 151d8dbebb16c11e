// Package auditcontext propagates audit attribution through call chains.
package auditcontext

import (
	"context"
	"strings"
)

type contextKey string

const (
	actorTypeKey  contextKey = "audit_actor_type"
	actorIDKey    contextKey = "audit_actor_id"
	requestIDKey  contextKey = "audit_request_id"
	ipAddressKey  contextKey = "audit_ip_address"
	userAgentKey  contextKey = "audit_user_agent"
	tenantIDKey   contextKey = "audit_tenant_id"
	workloadIDKey contextKey = "audit_workload_id"
)

// WithActor records who performed the action.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = context.WithValue(ctx, actorTypeKey, strings.TrimSpace(actorType))
	return context.WithValue(ctx, actorIDKey, strings.TrimSpace(actorID))
}

// Actor returns the recorded actor type and id.
func Actor(ctx context.Context) (string, string) {
	return stringValue(ctx, actorTypeKey), stringValue(ctx, actorIDKey)
}

// WithRequestID records the originating request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, strings.TrimSpace(requestID))
}

// RequestID returns the originating request id.
func RequestID(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// WithIPAddress records the caller address.
func WithIPAddress(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ipAddressKey, strings.TrimSpace(ip))
}

// IPAddress returns the caller address.
func IPAddress(ctx context.Context) string {
	return stringValue(ctx, ipAddressKey)
}

// WithUserAgent records the caller user agent.
func WithUserAgent(ctx context.Context, ua string) context.Context {
	return context.WithValue(ctx, userAgentKey, strings.TrimSpace(ua))
}

// UserAgent returns the caller user agent.
func UserAgent(ctx context.Context) string {
	return stringValue(ctx, userAgentKey)
}

// WithTenantID records the tenant the action concerns.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, strings.TrimSpace(tenantID))
}

// TenantID returns the tenant the action concerns.
func TenantID(ctx context.Context) string {
	return stringValue(ctx, tenantIDKey)
}

// WithWorkloadID records the workload the action concerns.
func WithWorkloadID(ctx context.Context, workloadID string) context.Context {
	return context.WithValue(ctx, workloadIDKey, strings.TrimSpace(workloadID))
}

// WorkloadID returns the workload the action concerns.
func WorkloadID(ctx context.Context) string {
	return stringValue(ctx, workloadIDKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(key).(string); ok {
		return value
	}
	return ""
}
