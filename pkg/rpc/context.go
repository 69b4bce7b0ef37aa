package rpc

import (
	"context"
	"net/http"
	"strings"
)

type metadataKey struct{}

func NewContextWithMetadata(ctx context.Context, metadata map[string]string) context.Context {
	return context.WithValue(ctx, metadataKey{}, metadata)
}

func AppendMetadataToContext(ctx context.Context, metadata map[string]string) context.Context {
	existing := GetMetadataFromContext(ctx)
	if existing == nil {
		return context.WithValue(ctx, metadataKey{}, metadata)
	}
	merged := make(map[string]string, len(existing)+len(metadata))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range metadata {
		merged[k] = v
	}
	return context.WithValue(ctx, metadataKey{}, merged)
}

func GetMetadataFromContext(ctx context.Context) map[string]string {
	v := ctx.Value(metadataKey{})
	if v != nil {
		md, ok := v.(map[string]string)
		if ok {
			return md
		}
	}
	return nil
}

// SerializeContext copies the context metadata onto the request headers
func SerializeContext(header http.Header, ctx context.Context) {
	for k, v := range GetMetadataFromContext(ctx) {
		header.Set(MetadataHeaderPrefix+k, v)
	}
}

// DeserializeContext extracts metadata headers from an inbound request. Keys
// come back in canonical header form.
func DeserializeContext(ctx context.Context, header http.Header) context.Context {
	var md map[string]string
	for k, vs := range header {
		if !strings.HasPrefix(k, MetadataHeaderPrefix) || len(vs) == 0 {
			continue
		}
		if md == nil {
			md = make(map[string]string)
		}
		md[strings.TrimPrefix(k, MetadataHeaderPrefix)] = vs[0]
	}
	if md == nil {
		return ctx
	}
	return context.WithValue(ctx, metadataKey{}, md)
}
