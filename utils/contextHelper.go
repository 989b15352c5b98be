package utils

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/soporte-collab/informes-sub003/appctx"
)

var (
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyRequestKind   = appctx.ContextKeyRequestKind
	ContextKeyNode          = appctx.ContextKeyNode
	ContextKeyTarget        = appctx.ContextKeyTarget
)

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func GetRequestKindFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyRequestKind)
}

func SetRequestKindInContext(ctx context.Context, kind string) context.Context {
	return appctx.Set(ctx, ContextKeyRequestKind, kind)
}

func GetNodeFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyNode)
}

func SetNodeInContext(ctx context.Context, node string) context.Context {
	return appctx.Set(ctx, ContextKeyNode, node)
}

func GetTargetFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyTarget)
}

func SetTargetInContext(ctx context.Context, target string) context.Context {
	return appctx.Set(ctx, ContextKeyTarget, target)
}

// LogFields returns the log fields for field plus whatever request scope ctx
// carries: correlation id, request kind, node and target.
func LogFields(ctx context.Context, field string) logrus.Fields {
	fields := logrus.Fields{"field": field}
	if v, ok := GetCorrelationIdFromContext(ctx); ok && v != "" {
		fields["correlation_id"] = v
	}
	if v, ok := GetRequestKindFromContext(ctx); ok && v != "" {
		fields["kind"] = v
	}
	if v, ok := GetNodeFromContext(ctx); ok && v != "" {
		fields["node"] = v
	}
	if v, ok := GetTargetFromContext(ctx); ok && v != "" {
		fields["target"] = v
	}
	return fields
}
