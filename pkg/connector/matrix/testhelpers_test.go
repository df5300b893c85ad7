// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/relaybridge/pkg/config"
	"github.com/aiku/relaybridge/pkg/relay"
	"github.com/aiku/relaybridge/pkg/storage"
)

const (
	botUser     = id.UserID("@relay:example.org")
	generalRoom = id.RoomID("!general:example.org")
	mutedRoom   = id.RoomID("!muted:example.org")
)

type sentEvent struct {
	Group  *config.Group
	Event  relay.Event
	Origin relay.Source
	Files  map[string]string
}

// mockSender captures broadcast events for test assertions.
type mockSender struct {
	mu     sync.Mutex
	events []sentEvent
}

func (m *mockSender) Broadcast(_ context.Context, group *config.Group, evt relay.Event, origin relay.Source) error {
	sent := sentEvent{Group: group, Event: evt, Origin: origin}
	if create, ok := evt.(relay.CreateEvent); ok {
		sent.Files = make(map[string]string)
		for _, att := range create.Message.Attachments {
			data, _ := att.File.ReadAll()
			sent.Files[att.Filename] = string(data)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, sent)
	return nil
}

func (m *mockSender) Events() []sentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentEvent(nil), m.events...)
}

// sentMessage is an event the fake homeserver accepted.
type sentMessage struct {
	RoomID  id.RoomID
	EventID id.EventID
	Content map[string]any
}

// fakeHomeserver simulates the parts of the client-server API the relay
// uses.
type fakeHomeserver struct {
	Server *httptest.Server

	mu        sync.Mutex
	nextID    int
	sent      []sentMessage
	redacted  []id.EventID
	uploads   map[string][]byte
	uploadCTs map[string]string

	// Profiles maps user IDs to profile responses.
	Profiles map[id.UserID]map[string]string
	// Media maps media IDs to downloadable content.
	Media map[string][]byte
	// FailSend makes every send fail with a 500.
	FailSend bool
}

func newFakeHomeserver(t *testing.T) *fakeHomeserver {
	t.Helper()
	f := &fakeHomeserver{
		uploads:   make(map[string][]byte),
		uploadCTs: make(map[string]string),
		Profiles:  make(map[id.UserID]map[string]string),
		Media:     make(map[string][]byte),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeHomeserver) newID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeHomeserver) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeHomeserver) Redacted() []id.EventID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]id.EventID(nil), f.redacted...)
}

func (f *fakeHomeserver) Upload(mediaID string) ([]byte, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads[mediaID], f.uploadCTs[mediaID]
}

func matrixError(w http.ResponseWriter, status int, code, msg string) {
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"errcode": code, "error": msg})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeHomeserver) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	path := r.URL.Path
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/account/whoami"):
		if r.Header.Get("Authorization") != "Bearer test-token" {
			matrixError(w, http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "bad token")
			return
		}
		writeJSON(w, map[string]string{"user_id": string(botUser)})

	case r.Method == http.MethodPut && strings.Contains(path, "/send/m.room.message/"):
		if f.FailSend {
			matrixError(w, http.StatusInternalServerError, "M_UNKNOWN", "send failed")
			return
		}
		roomID := id.RoomID(strings.Split(strings.SplitAfter(path, "/rooms/")[1], "/")[0])
		var content map[string]any
		_ = json.Unmarshal(body, &content)
		eventID := id.EventID("$" + f.newID("evt"))
		f.sent = append(f.sent, sentMessage{RoomID: roomID, EventID: eventID, Content: content})
		writeJSON(w, map[string]string{"event_id": string(eventID)})

	case r.Method == http.MethodPut && strings.Contains(path, "/redact/"):
		target := id.EventID(strings.Split(strings.SplitAfter(path, "/redact/")[1], "/")[0])
		f.redacted = append(f.redacted, target)
		writeJSON(w, map[string]string{"event_id": "$" + f.newID("redaction")})

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/upload"):
		mediaID := f.newID("media")
		f.uploads[mediaID] = body
		f.uploadCTs[mediaID] = r.Header.Get("Content-Type")
		writeJSON(w, map[string]string{"content_uri": "mxc://example.org/" + mediaID})

	case r.Method == http.MethodGet && strings.Contains(path, "/download/"):
		mediaID := path[strings.LastIndex(path, "/")+1:]
		data, ok := f.Media[mediaID]
		if !ok {
			matrixError(w, http.StatusNotFound, "M_NOT_FOUND", "no media")
			return
		}
		_, _ = w.Write(data)

	case r.Method == http.MethodGet && strings.Contains(path, "/profile/"):
		userID := id.UserID(path[strings.LastIndex(path, "/")+1:])
		profile, ok := f.Profiles[userID]
		if !ok {
			matrixError(w, http.StatusNotFound, "M_NOT_FOUND", "no profile")
			return
		}
		writeJSON(w, profile)

	default:
		matrixError(w, http.StatusNotFound, "M_UNRECOGNIZED", "not found: "+path)
	}
}

func testConfig(t *testing.T, homeserverURL string) *config.Config {
	t.Helper()
	return &config.Config{
		Matrix: config.MatrixConfig{
			HomeserverURL: homeserverURL,
			UserID:        botUser,
			AccessToken:   "test-token",
		},
		Groups: []*config.Group{
			{
				Name:       "general",
				Mattermost: &config.MattermostGroup{ChannelID: "chan1"},
				Matrix:     &config.MatrixGroup{RoomID: generalRoom},
			},
			{
				Name:       "muted",
				Mattermost: &config.MattermostGroup{ChannelID: "chan-muted"},
				Matrix:     &config.MatrixGroup{RoomID: mutedRoom, DisableInbound: true, DisableOutbound: true},
			},
		},
	}
}

func newTestClient(t *testing.T, fake *fakeHomeserver, cfg *config.Config) (*Client, *mockSender) {
	t.Helper()
	stager, err := storage.NewStager(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStager: %v", err)
	}
	t.Cleanup(func() { _ = stager.Close() })

	sender := &mockSender{}
	c, err := NewClient(cfg, Options{
		Sender:  sender,
		Stager:  stager,
		Metrics: relay.NewMetrics(prometheus.NewRegistry()),
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.startedAt = time.Now().Add(-time.Minute)
	return c, sender
}

// messageEvent builds an m.room.message event as the syncer would deliver it.
func messageEvent(sender id.UserID, eventID id.EventID, roomID id.RoomID, content *event.MessageEventContent, raw map[string]any) *event.Event {
	return &event.Event{
		Sender:    sender,
		Type:      event.EventMessage,
		RoomID:    roomID,
		ID:        eventID,
		Timestamp: time.Now().UnixMilli(),
		Content:   event.Content{Parsed: content, Raw: raw},
	}
}

func textMessage(body string) *event.MessageEventContent {
	return &event.MessageEventContent{MsgType: event.MsgText, Body: body}
}
