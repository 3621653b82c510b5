package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	projectID = "collector-test"
	topicID   = "escalations"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	_, err := srv.GServer.CreateTopic(ctx, &pubsubpb.Topic{
		Name: "projects/" + projectID + "/topics/" + topicID,
	})
	require.NoError(t, err)

	client, err := pubsub.NewClient(ctx, projectID,
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestPublishSendsJSONWithAttributes(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t)
	pub := New(client)
	t.Cleanup(pub.Close)

	id, err := pub.Publish(context.Background(), topicID, map[string]any{"task_id": "DETAIL_COLLECTION_abc", "retry_count": 3})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "application/json", msgs[0].Attributes["content_type"])

	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "DETAIL_COLLECTION_abc", got["task_id"])
	require.EqualValues(t, 3, got["retry_count"])
}

func TestPublishRejectsMissingTopicAndClosedPublisher(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	pub := New(client)

	_, err := pub.Publish(context.Background(), "", "x")
	require.ErrorContains(t, err, "topic is required")

	pub.Close()
	_, err = pub.Publish(context.Background(), topicID, "x")
	require.ErrorContains(t, err, "closed")

	_, err = New(nil).Publish(context.Background(), topicID, "x")
	require.ErrorContains(t, err, "not configured")
}

func TestCarrierRoundTripsTraceContext(t *testing.T) {
	t.Parallel()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	carrier := &pubsubCarrier{attrs: map[string]string{}}
	prop := propagation.TraceContext{}
	prop.Inject(ctx, carrier)
	require.Contains(t, carrier.Keys(), "traceparent")

	extracted := trace.SpanContextFromContext(prop.Extract(context.Background(), carrier))
	require.Equal(t, traceID, extracted.TraceID())
}
