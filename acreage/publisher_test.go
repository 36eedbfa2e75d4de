package acreage

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPublisher(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	publisher := NewPublisher(nil, "", "")
	if publisher == nil {
		t.Fatal("NewPublisher() returned nil")
	}

	assert.Equal(t, "acremap", publisher.publishPrefix)
	assert.Equal(t, SyntaxLegacy, publisher.syntax)
	assert.Equal(t, byte(1), publisher.qos)
	assert.True(t, publisher.retain, "filters should be retained by default")
	assert.Equal(t, "acremap/abc/filter", publisher.FilterTopic("abc"))
}

func TestNewPublisher_EnvPrefix(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "farm")
	publisher := NewPublisher(nil, "ignored", SyntaxExpression)
	assert.Equal(t, "farm/s1/filter", publisher.FilterTopic("s1"))
}

func TestPublisher_PublishFilter(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	client := NewMockClient()
	client.SetConnected(true)
	publisher := NewPublisher(client, "fields", SyntaxLegacy)

	d := sampleDataset(t)
	state, _ := NewFilterState(DefaultBuckets()).Toggle(1)

	published, err := publisher.PublishFilter("s1", 1, d.Filter(state))
	if err != nil {
		t.Fatalf("PublishFilter() error: %v", err)
	}
	assert.True(t, published)

	msgs := client.GetPublishedMessages()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	assert.Equal(t, "fields/s1/filter", msgs[0].Topic)
	assert.Equal(t, byte(1), msgs[0].QoS)
	assert.True(t, msgs[0].Retain)

	var got FilterMessage
	if err := json.Unmarshal(msgs[0].Payload, &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, uint64(1), got.Revision)
	assert.Equal(t, 2, got.Count)
	assert.False(t, got.AllSelected)
	assert.Len(t, got.Buckets, 5)
	assert.False(t, got.Buckets[0].Selected)
	assert.Equal(t, "any", got.Filter[0])
	assert.Len(t, got.Filter, 5, "four enabled buckets plus the operator")

	last, ok := publisher.LastFilter("s1")
	if assert.True(t, ok) {
		assert.Equal(t, 2, last.Count)
	}
}

func TestPublisher_PublishFilterExpressionSyntax(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	client := NewMockClient()
	client.SetConnected(true)
	publisher := NewPublisher(client, "", SyntaxExpression)

	state := NewFilterState(DefaultBuckets()).SetAll(false)
	state, _ = state.SetSelected(5, true)
	_, err := publisher.PublishFilter("s2", 1, Recompute(state, nil))
	assert.NoError(t, err)

	payload, ok := client.RetainedPayload("acremap/s2/filter")
	if !ok {
		t.Fatal("expected a retained filter")
	}
	var msg map[string]interface{}
	assert.NoError(t, json.Unmarshal(payload, &msg))
	data, _ := json.Marshal(msg["filter"])
	assert.JSONEq(t, `["any",[">",["get","acres"],120]]`, string(data))
}

func TestPublisher_NotConnected(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	client := NewMockClient()
	publisher := NewPublisher(client, "", "")

	_, err := publisher.PublishFilter("s1", 1, FilterResult{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")

	// The message is still remembered for late inspection.
	last, ok := publisher.LastFilter("s1")
	if assert.True(t, ok) {
		assert.Equal(t, []interface{}{"any"}, last.Filter)
	}

	_, err = NewPublisher(nil, "", "").PublishFilter("s1", 1, FilterResult{})
	assert.Error(t, err)
}

func TestPublisher_PublishError(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	client := NewMockClient()
	client.SetConnected(true)
	client.SetPublishError(errors.New("broker full"))
	publisher := NewPublisher(client, "", "")

	_, err := publisher.PublishFilter("s1", 1, Recompute(NewFilterState(DefaultBuckets()), nil))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "broker full")
}

func TestPublisher_ClearSession(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	client := NewMockClient()
	client.SetConnected(true)
	publisher := NewPublisher(client, "", "")

	_, err := publisher.PublishFilter("s1", 1, Recompute(NewFilterState(DefaultBuckets()), nil))
	assert.NoError(t, err)
	_, ok := client.RetainedPayload("acremap/s1/filter")
	assert.True(t, ok)

	publisher.ClearSession("s1", 2)

	_, ok = client.RetainedPayload("acremap/s1/filter")
	assert.False(t, ok, "retained filter should be cleared")
	_, ok = publisher.LastFilter("s1")
	assert.False(t, ok)
}

func TestPublisher_DropsStaleRevisions(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	all := Recompute(NewFilterState(DefaultBuckets()), nil)
	none := Recompute(NewFilterState(DefaultBuckets()).SetAll(false), nil)

	tests := []struct {
		name          string
		steps         func(p *Publisher)
		wantRetained  bool
		wantAll       bool
		wantPublishes int
	}{
		{
			name:  "older revision after newer",
			steps: func(p *Publisher) {
				_, _ = p.PublishFilter("s1", 3, none)
				_, _ = p.PublishFilter("s1", 2, all)
			},
			wantRetained:  true,
			wantAll:       false,
			wantPublishes: 1,
		},
		{
			name:  "repeated revision",
			steps: func(p *Publisher) {
				_, _ = p.PublishFilter("s1", 2, all)
				_, _ = p.PublishFilter("s1", 2, none)
			},
			wantRetained:  true,
			wantAll:       true,
			wantPublishes: 1,
		},
		{
			name:  "update landing after the close",
			steps: func(p *Publisher) {
				_, _ = p.PublishFilter("s1", 1, all)
				p.ClearSession("s1", 3)
				_, _ = p.PublishFilter("s1", 2, none)
			},
			wantRetained:  false,
			wantPublishes: 2,
		},
		{
			name:  "stale close after a newer update",
			steps: func(p *Publisher) {
				_, _ = p.PublishFilter("s1", 5, all)
				p.ClearSession("s1", 4)
			},
			wantRetained:  true,
			wantAll:       true,
			wantPublishes: 1,
		},
		{
			name:  "reopened after close",
			steps: func(p *Publisher) {
				p.ClearSession("s1", 1)
				_, _ = p.PublishFilter("s1", 2, none)
			},
			wantRetained:  true,
			wantAll:       false,
			wantPublishes: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewMockClient()
			client.SetConnected(true)
			publisher := NewPublisher(client, "", "")

			tt.steps(publisher)

			assert.Len(t, client.GetPublishedMessages(), tt.wantPublishes)
			payload, ok := client.RetainedPayload("acremap/s1/filter")
			assert.Equal(t, tt.wantRetained, ok)
			if !ok {
				return
			}
			var msg FilterMessage
			assert.NoError(t, json.Unmarshal(payload, &msg))
			assert.Equal(t, tt.wantAll, msg.AllSelected)
		})
	}
}

func TestPublisher_SetQoSAndRetain(t *testing.T) {
	publisher := NewPublisher(nil, "", "")

	publisher.SetQoS(2)
	assert.Equal(t, byte(2), publisher.qos)
	publisher.SetQoS(3)
	assert.Equal(t, byte(2), publisher.qos, "invalid QoS is ignored")

	publisher.SetRetain(false)
	assert.False(t, publisher.retain)
}
