package acreage

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// closedSessionTTL bounds how long a cleared session's revision is
	// remembered for dropping late publishes.
	closedSessionTTL  = 10 * time.Minute
	closedSessionSize = 4096
)

// FilterMessage is the retained payload describing one session's filter
type FilterMessage struct {
	SessionID   string        `json:"sessionId"`
	Revision    uint64        `json:"revision"`
	Buckets     []SizeBucket  `json:"buckets"`
	AllSelected bool          `json:"allSelected"`
	Filter      []interface{} `json:"filter"`
	Count       int           `json:"count"`
	Timestamp   int64         `json:"timestamp"`
}

// Publisher publishes filter state changes so external renderers (wall
// displays, kiosks) can follow a session.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	syntax        Syntax
	qos           byte
	retain        bool
	last          map[string]*FilterMessage
	revs          map[string]uint64
	closed        *expirable.LRU[string, uint64]
	mu            sync.RWMutex
}

// NewPublisher creates a filter publisher. MQTT_PUBLISH_PREFIX overrides
// prefix. A nil client disables publishing.
func NewPublisher(client mqtt.Client, prefix string, syntax Syntax) *Publisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = defaultPublishPrefix
	}
	if syntax == "" {
		syntax = SyntaxLegacy
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		syntax:        syntax,
		qos:           1,
		retain:        true, // late subscribers get the current filter
		last:          make(map[string]*FilterMessage),
		revs:          make(map[string]uint64),
		closed:        expirable.NewLRU[string, uint64](closedSessionSize, nil, closedSessionTTL),
	}
}

// FilterTopic returns the topic a session's filter is published on
func (p *Publisher) FilterTopic(sessionID string) string {
	return fmt.Sprintf("%s/%s/filter", p.publishPrefix, sessionID)
}

// PublishFilter publishes a session's recomputed filter at revision rev.
// A revision not newer than the last one published or cleared for the
// session is dropped and reported as not published.
func (p *Publisher) PublishFilter(sessionID string, rev uint64, res FilterResult) (bool, error) {
	expr := res.Expression
	if expr == nil {
		expr = Any{}
	}
	msg := &FilterMessage{
		SessionID:   sessionID,
		Revision:    rev,
		Buckets:     res.Buckets,
		AllSelected: res.AllSelected,
		Filter:      expr.Encode(p.syntax),
		Count:       len(res.Features),
		Timestamp:   time.Now().Unix(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("marshaling filter: %w", err)
	}

	topic := p.FilterTopic(sessionID)

	p.mu.Lock()
	if p.staleLocked(sessionID, rev) {
		p.mu.Unlock()
		return false, nil
	}
	p.revs[sessionID] = rev
	p.last[sessionID] = msg
	if p.client == nil || !p.client.IsConnected() {
		p.mu.Unlock()
		return false, fmt.Errorf("MQTT client not connected")
	}
	// Enqueue under the lock so the broker sees revisions in order.
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	p.mu.Unlock()

	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return false, fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	log.Printf("[MQTT] Published filter for %s (rev %d): %d feature(s), %d/%d buckets enabled",
		sessionID, rev, msg.Count, len(res.Enabled), len(res.Buckets))
	return true, nil
}

func (p *Publisher) staleLocked(sessionID string, rev uint64) bool {
	if rev <= p.revs[sessionID] {
		return true
	}
	closedAt, ok := p.closed.Peek(sessionID)
	return ok && rev <= closedAt
}

// LastFilter returns the last filter published for a session
func (p *Publisher) LastFilter(sessionID string) (*FilterMessage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	msg, ok := p.last[sessionID]
	return msg, ok
}

// ClearSession forgets a session closed at revision rev and clears its
// retained message. Publishes for the session at or below rev are dropped
// afterwards.
func (p *Publisher) ClearSession(sessionID string, rev uint64) {
	p.mu.Lock()
	if p.staleLocked(sessionID, rev) {
		p.mu.Unlock()
		return
	}
	delete(p.last, sessionID)
	delete(p.revs, sessionID)
	p.closed.Add(sessionID, rev)
	if p.client == nil || !p.client.IsConnected() {
		p.mu.Unlock()
		return
	}
	// An empty retained payload removes the retained message from the broker.
	token := p.client.Publish(p.FilterTopic(sessionID), p.qos, true, []byte{})
	p.mu.Unlock()

	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		log.Printf("[MQTT] Warning: clearing retained filter for %s: %v", sessionID, token.Error())
	}
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
