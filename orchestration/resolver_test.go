package orchestration

import (
	"reflect"
	"testing"
)

func resolverFixtures() (map[string]*ResultEnvelope, map[string]interface{}) {
	results := map[string]*ResultEnvelope{
		"geocode": {
			Success: true,
			Result: map[string]interface{}{
				"latitude":  40.7,
				"longitude": -74.0,
				"address": map[string]interface{}{
					"city": "New York",
				},
			},
		},
		"broken": {
			Success: false,
			Error:   &ErrorInfo{Message: "boom", Kind: "NodeTransport"},
		},
	}
	context := map[string]interface{}{
		"region": "us-east",
		"request": map[string]interface{}{
			"query": "weather",
		},
	}
	return results, context
}

func TestResolveInputs_WholeValuePreservesType(t *testing.T) {
	results, context := resolverFixtures()

	inputs := map[string]interface{}{
		"lat":     "${geocode.latitude}",
		"address": "${geocode.address}",
		"all":     "${geocode}",
	}
	resolved := ResolveInputs(inputs, results, context)

	if lat, ok := resolved["lat"].(float64); !ok || lat != 40.7 {
		t.Errorf("expected numeric 40.7, got %#v", resolved["lat"])
	}
	address, ok := resolved["address"].(map[string]interface{})
	if !ok || address["city"] != "New York" {
		t.Errorf("expected address object, got %#v", resolved["address"])
	}
	all, ok := resolved["all"].(map[string]interface{})
	if !ok || all["latitude"] != 40.7 {
		t.Errorf("expected full result object, got %#v", resolved["all"])
	}
}

func TestResolveInputs_EmbeddedInterpolation(t *testing.T) {
	results, context := resolverFixtures()

	inputs := map[string]interface{}{
		"query": "lat=${geocode.latitude}&city=${geocode.address.city}",
	}
	resolved := ResolveInputs(inputs, results, context)

	if resolved["query"] != "lat=40.7&city=New York" {
		t.Errorf("unexpected interpolation: %v", resolved["query"])
	}
}

func TestResolveInputs_UnresolvedStaysLiteral(t *testing.T) {
	results, context := resolverFixtures()

	inputs := map[string]interface{}{
		"missing_node":  "${nowhere.field}",
		"missing_field": "${geocode.altitude}",
		"embedded":      "value is ${nowhere.field}!",
	}
	resolved := ResolveInputs(inputs, results, context)

	if resolved["missing_node"] != "${nowhere.field}" {
		t.Errorf("expected literal reference, got %v", resolved["missing_node"])
	}
	if resolved["missing_field"] != "${geocode.altitude}" {
		t.Errorf("expected literal reference, got %v", resolved["missing_field"])
	}
	if resolved["embedded"] != "value is ${nowhere.field}!" {
		t.Errorf("expected literal reference, got %v", resolved["embedded"])
	}
}

func TestResolveInputs_FailedNodeNotResolvable(t *testing.T) {
	results, context := resolverFixtures()

	resolved := ResolveInputs(map[string]interface{}{
		"x": "${broken.anything}",
	}, results, context)

	if resolved["x"] != "${broken.anything}" {
		t.Errorf("failed node results must not resolve, got %v", resolved["x"])
	}
}

func TestResolveInputs_ContextReferences(t *testing.T) {
	results, context := resolverFixtures()

	inputs := map[string]interface{}{
		"region": "${region}",
		"query":  "${context.request.query}",
	}
	resolved := ResolveInputs(inputs, results, context)

	if resolved["region"] != "us-east" {
		t.Errorf("expected context value, got %v", resolved["region"])
	}
	if resolved["query"] != "weather" {
		t.Errorf("expected context path value, got %v", resolved["query"])
	}
}

func TestResolveInputs_NestedStructuresWalked(t *testing.T) {
	results, context := resolverFixtures()

	inputs := map[string]interface{}{
		"payload": map[string]interface{}{
			"coords": []interface{}{"${geocode.latitude}", "${geocode.longitude}"},
			"label":  "at ${geocode.address.city}",
		},
	}
	resolved := ResolveInputs(inputs, results, context)

	payload := resolved["payload"].(map[string]interface{})
	coords := payload["coords"].([]interface{})
	if coords[0] != 40.7 || coords[1] != -74.0 {
		t.Errorf("expected numeric coords, got %#v", coords)
	}
	if payload["label"] != "at New York" {
		t.Errorf("expected interpolated label, got %v", payload["label"])
	}
}

func TestResolveInputs_NonStringReferentStringified(t *testing.T) {
	results, context := resolverFixtures()

	resolved := ResolveInputs(map[string]interface{}{
		"text": "address: ${geocode.address}",
	}, results, context)

	if resolved["text"] != `address: {"city":"New York"}` {
		t.Errorf("expected JSON-stringified object, got %v", resolved["text"])
	}
}

func TestResolveInputs_IdempotentAtFixedPoint(t *testing.T) {
	results, context := resolverFixtures()

	inputs := map[string]interface{}{
		"a": "${geocode.latitude}",
		"b": "plain text",
		"c": map[string]interface{}{"n": float64(3)},
	}
	once := ResolveInputs(inputs, results, context)
	twice := ResolveInputs(once, results, context)

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("resolution is not idempotent: %#v vs %#v", once, twice)
	}
}

func TestResolveInputs_DoesNotMutateInput(t *testing.T) {
	results, context := resolverFixtures()

	inputs := map[string]interface{}{
		"nested": map[string]interface{}{"v": "${geocode.latitude}"},
	}
	_ = ResolveInputs(inputs, results, context)

	nested := inputs["nested"].(map[string]interface{})
	if nested["v"] != "${geocode.latitude}" {
		t.Error("resolution mutated the input map")
	}
}

func TestResolveInputs_SourceSpecs(t *testing.T) {
	results, context := resolverFixtures()

	inputs := map[string]interface{}{
		"constant": map[string]interface{}{
			"source_type": "constant",
			"source":      float64(42),
		},
		"from_context": map[string]interface{}{
			"source_type": "context",
			"source":      "${region}",
		},
		"from_node": map[string]interface{}{
			"source_type": "node_output",
			"source_node": "geocode",
			"source":      "${geocode.latitude}",
		},
		"from_request": map[string]interface{}{
			"source_type": "request",
			"source":      "region",
		},
	}
	resolved := ResolveInputs(inputs, results, context)

	if resolved["constant"] != float64(42) {
		t.Errorf("constant source: got %#v", resolved["constant"])
	}
	if resolved["from_context"] != "us-east" {
		t.Errorf("context source: got %#v", resolved["from_context"])
	}
	if resolved["from_node"] != 40.7 {
		t.Errorf("node_output source: got %#v", resolved["from_node"])
	}
	if resolved["from_request"] != "us-east" {
		t.Errorf("request source: got %#v", resolved["from_request"])
	}
}

func TestResolveInputs_UnresolvableSourceSpecKept(t *testing.T) {
	results, context := resolverFixtures()

	spec := map[string]interface{}{
		"source_type": "node_output",
		"source_node": "nowhere",
		"source":      "${nowhere.value}",
	}
	resolved := ResolveInputs(map[string]interface{}{"x": spec}, results, context)

	if !reflect.DeepEqual(resolved["x"], spec) {
		t.Errorf("unresolvable spec should be kept, got %#v", resolved["x"])
	}
}
