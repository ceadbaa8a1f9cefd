package transport

import (
	"testing"
)

func TestPublishReachesSubscriber(t *testing.T) {
	hub := NewHub()
	a := NewMemory(hub)
	b := NewMemory(hub)

	var got []string
	if err := b.Subscribe("hearth/c1/broadcast", func(topic string, payload []byte) {
		got = append(got, topic+"="+string(payload))
	}); err != nil {
		t.Fatal(err)
	}

	if err := a.Publish("hearth/c1/broadcast", []byte("hi"), false); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "hearth/c1/broadcast=hi" {
		t.Errorf("got %v", got)
	}
}

func TestWildcardSubscription(t *testing.T) {
	hub := NewHub()
	a := NewMemory(hub)

	var topics []string
	if err := a.Subscribe("hearth/c1/sync-request/+", func(topic string, _ []byte) {
		topics = append(topics, topic)
	}); err != nil {
		t.Fatal(err)
	}

	_ = a.Publish("hearth/c1/sync-request/dev-x", []byte("1"), false)
	_ = a.Publish("hearth/c1/sync-request/dev-y", []byte("2"), false)
	_ = a.Publish("hearth/c1/broadcast", []byte("3"), false)
	_ = a.Publish("hearth/c1/sync-request/dev-x/extra", []byte("4"), false)

	if len(topics) != 2 {
		t.Errorf("matched topics = %v, want the two sync-request ones", topics)
	}
}

func TestRetainedDeliveredToLateSubscriber(t *testing.T) {
	hub := NewHub()
	a := NewMemory(hub)
	b := NewMemory(hub)

	if err := a.Publish("hearth/invites/123456", []byte("payload"), true); err != nil {
		t.Fatal(err)
	}

	var got string
	if err := b.Subscribe("hearth/invites/123456", func(_ string, payload []byte) {
		got = string(payload)
	}); err != nil {
		t.Fatal(err)
	}
	if got != "payload" {
		t.Errorf("late subscriber got %q, want retained payload", got)
	}
}

func TestEmptyRetainedClears(t *testing.T) {
	hub := NewHub()
	a := NewMemory(hub)

	_ = a.Publish("hearth/invites/123456", []byte("payload"), true)
	_ = a.Publish("hearth/invites/123456", nil, true)

	called := false
	_ = a.Subscribe("hearth/invites/123456", func(string, []byte) { called = true })
	if called {
		t.Error("cleared retained payload still delivered")
	}
}

func TestUnsubscribe(t *testing.T) {
	hub := NewHub()
	a := NewMemory(hub)

	n := 0
	_ = a.Subscribe("t/x", func(string, []byte) { n++ })
	_ = a.Publish("t/x", []byte("1"), false)
	_ = a.Unsubscribe("t/x")
	_ = a.Publish("t/x", []byte("2"), false)

	if n != 1 {
		t.Errorf("handler ran %d times, want 1", n)
	}
}

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/b/c", "a/b/d", false},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/c/d", false},
		{"a/#", "a/b/c/d", true},
		{"a/#", "a", true},
		{"+/b", "a/b", true},
		{"a/b", "a", false},
		{"a", "a/b", false},
	}
	for _, tt := range tests {
		if got := topicMatches(tt.filter, tt.topic); got != tt.want {
			t.Errorf("topicMatches(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
		}
	}
}
