package metrics

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("region", "eu-central-1"),
		attribute.String("tenant_id", "456"),
		attribute.String("class", "deferrable"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != "region" && attrs[1].Key != "region" {
		t.Fatalf("expected region to be retained")
	}
	if attrs[0].Key != "class" && attrs[1].Key != "class" {
		t.Fatalf("expected class to be retained")
	}
}
