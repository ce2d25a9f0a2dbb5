package events

import (
	"context"
	"testing"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToMatchingTypeOnly(t *testing.T) {
	b := New()

	var gotA, gotB int
	b.On("type.a", func(ctx context.Context, e cloudevents.Event) { gotA++ })
	b.On("type.b", func(ctx context.Context, e cloudevents.Event) { gotB++ })

	b.Emit(context.Background(), "type.a", "test-source", nil)

	assert.Equal(t, 1, gotA)
	assert.Equal(t, 0, gotB)
}

func TestBusWildcardSubscriberSeesEverything(t *testing.T) {
	b := New()

	var seen []string
	b.On("", func(ctx context.Context, e cloudevents.Event) { seen = append(seen, e.Type()) })

	b.Emit(context.Background(), "type.a", "test-source", nil)
	b.Emit(context.Background(), "type.b", "test-source", nil)

	assert.Equal(t, []string{"type.a", "type.b"}, seen)
}

func TestBusEmitSetsCloudEventAttributes(t *testing.T) {
	b := New()

	type payload struct {
		Foo string `json:"foo"`
	}

	var received cloudevents.Event
	b.On("type.a", func(ctx context.Context, e cloudevents.Event) { received = e })

	event := b.Emit(context.Background(), "type.a", "queue/default", payload{Foo: "bar"})

	require.NotEmpty(t, event.ID())
	assert.Equal(t, "queue/default", event.Source())
	assert.Equal(t, "type.a", event.Type())
	assert.Equal(t, cloudevents.VersionV1, event.SpecVersion())
	assert.Equal(t, received.ID(), event.ID())

	var decoded payload
	require.NoError(t, event.DataAs(&decoded))
	assert.Equal(t, "bar", decoded.Foo)
}

func TestBusDeliverReusesExistingEnvelope(t *testing.T) {
	b := New()
	original := NewEvent("type.a", "src", nil)

	var deliveredID string
	b.On("type.a", func(ctx context.Context, e cloudevents.Event) { deliveredID = e.ID() })

	b.Deliver(context.Background(), original)

	assert.Equal(t, original.ID(), deliveredID)
}
