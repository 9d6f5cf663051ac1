package sns

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/go-auth-gateway/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSNS struct {
	in  *sns.PublishInput
	err error
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.in = in
	return &sns.PublishOutput{}, f.err
}

func TestBus_Publish(t *testing.T) {
	f := &fakeSNS{}
	bus := NewBus(f, "arn:aws:sns:us-east-1:000000000000:auth-events")
	e := domain.Event{
		EventID:    "e1",
		Type:       domain.EventUserSignedUp,
		TenantID:   "acme",
		OccurredAt: time.Unix(100, 0).UTC(),
		Payload:    map[string]any{"subject_id": "S1"},
	}
	require.NoError(t, bus.Publish(context.Background(), e))

	assert.Equal(t, "arn:aws:sns:us-east-1:000000000000:auth-events", *f.in.TopicArn)
	assert.Equal(t, domain.EventUserSignedUp, *f.in.MessageAttributes["eventType"].StringValue)
	assert.Equal(t, "acme", *f.in.MessageAttributes["tenantId"].StringValue)

	var got domain.Event
	require.NoError(t, json.Unmarshal([]byte(*f.in.Message), &got))
	assert.Equal(t, "e1", got.EventID)
	assert.Equal(t, "S1", got.Payload["subject_id"])
}

func TestBus_Publish_Error(t *testing.T) {
	bus := NewBus(&fakeSNS{err: errors.New("throttled")}, "arn")
	err := bus.Publish(context.Background(), domain.Event{Type: domain.EventUserConfirmed})
	assert.ErrorContains(t, err, "UserConfirmed")
}
