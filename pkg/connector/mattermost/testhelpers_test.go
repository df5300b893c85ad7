// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

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

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/aiku/relaybridge/pkg/config"
	"github.com/aiku/relaybridge/pkg/relay"
	"github.com/aiku/relaybridge/pkg/storage"
)

// sentEvent is one call to mockSender.Broadcast.
type sentEvent struct {
	Group  *config.Group
	Event  relay.Event
	Origin relay.Source
	// Files holds the attachment contents, read while they were still staged.
	Files map[string]string
}

// mockSender captures broadcast events for test assertions.
type mockSender struct {
	mu     sync.Mutex
	events []sentEvent
	err    error
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
	return m.err
}

func (m *mockSender) Events() []sentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]sentEvent, len(m.events))
	copy(cp, m.events)
	return cp
}

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeMM is a test helper that wraps an httptest.Server simulating the
// Mattermost API. It records calls and provides canned responses.
type fakeMM struct {
	Server *httptest.Server

	mu     sync.Mutex
	calls  []endpointCall
	nextID int

	// Users maps user ID to model.User for GetUser/GetMe responses.
	Users map[string]*model.User
	// TokenToUser maps bearer tokens to user IDs for GetMe auth.
	TokenToUser map[string]string
	// Avatars maps user ID to profile image bytes.
	Avatars map[string][]byte
	// Files maps file ID to model.FileInfo.
	Files map[string]*model.FileInfo
	// FileData maps file ID to file contents.
	FileData map[string][]byte
	// Posts maps post ID to posts created through or seeded into the fake.
	Posts map[string]*model.Post
	// FailEndpoints causes specific path substrings to return 500.
	FailEndpoints map[string]bool
}

func newFakeMM(t *testing.T) *fakeMM {
	t.Helper()
	f := &fakeMM{
		Users:         make(map[string]*model.User),
		TokenToUser:   map[string]string{"test-token": "bot-user-id"},
		Avatars:       make(map[string][]byte),
		Files:         make(map[string]*model.FileInfo),
		FileData:      make(map[string][]byte),
		Posts:         make(map[string]*model.Post),
		FailEndpoints: make(map[string]bool),
	}
	f.Users["bot-user-id"] = &model.User{Id: "bot-user-id", Username: "relaybridge"}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeMM) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// CallsTo returns the recorded calls with the given method whose path
// contains path.
func (f *fakeMM) CallsTo(method, path string) []endpointCall {
	var out []endpointCall
	for _, c := range f.Calls() {
		if c.Method == method && strings.Contains(c.Path, path) {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeMM) Post(id string) *model.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Posts[id]
}

func (f *fakeMM) newID(prefix string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeMM) resolveToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	for tok, uid := range f.TokenToUser {
		if auth == "BEARER "+tok || auth == "Bearer "+tok {
			return uid
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter, path string) {
	w.WriteHeader(http.StatusNotFound)
	writeJSON(w, map[string]string{"message": "not found: " + path})
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r.Method, r.URL.Path, string(body))

	// Check if this endpoint should fail.
	for fragment := range f.FailEndpoints {
		if strings.Contains(r.URL.Path, fragment) {
			w.WriteHeader(http.StatusInternalServerError)
			writeJSON(w, map[string]string{"message": "fake error"})
			return
		}
	}

	path := r.URL.Path
	segments := strings.Split(strings.TrimPrefix(path, "/api/v4/"), "/")

	switch {
	// GET /api/v4/users/me
	case r.Method == http.MethodGet && path == "/api/v4/users/me":
		uid := f.resolveToken(r)
		if uid == "" {
			w.WriteHeader(http.StatusUnauthorized)
			writeJSON(w, map[string]string{"message": "unauthorized"})
			return
		}
		writeJSON(w, f.Users[uid])

	// GET /api/v4/users/{user_id}
	case r.Method == http.MethodGet && segments[0] == "users" && len(segments) == 2:
		if u, ok := f.Users[segments[1]]; ok {
			writeJSON(w, u)
			return
		}
		notFound(w, path)

	// GET /api/v4/users/{user_id}/image
	case r.Method == http.MethodGet && segments[0] == "users" && len(segments) == 3 && segments[2] == "image":
		if data, ok := f.Avatars[segments[1]]; ok {
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(data)
			return
		}
		notFound(w, path)

	// POST /api/v4/files (upload)
	case r.Method == http.MethodPost && path == "/api/v4/files":
		writeJSON(w, &model.FileUploadResponse{
			FileInfos: []*model.FileInfo{{Id: f.newID("file"), Name: "upload"}},
		})

	// GET /api/v4/files/{file_id}/info
	case r.Method == http.MethodGet && segments[0] == "files" && len(segments) == 3 && segments[2] == "info":
		if fi, ok := f.Files[segments[1]]; ok {
			writeJSON(w, fi)
			return
		}
		notFound(w, path)

	// GET /api/v4/files/{file_id}/link
	case r.Method == http.MethodGet && segments[0] == "files" && len(segments) == 3 && segments[2] == "link":
		writeJSON(w, map[string]string{"link": f.Server.URL + "/files/" + segments[1] + "/public"})

	// GET /api/v4/files/{file_id}
	case r.Method == http.MethodGet && segments[0] == "files" && len(segments) == 2:
		if data, ok := f.FileData[segments[1]]; ok {
			_, _ = w.Write(data)
			return
		}
		notFound(w, path)

	// POST /api/v4/posts
	case r.Method == http.MethodPost && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		post.Id = f.newID("post")
		f.mu.Lock()
		f.Posts[post.Id] = &post
		f.mu.Unlock()
		writeJSON(w, &post)

	// GET /api/v4/posts/{post_id}
	case r.Method == http.MethodGet && segments[0] == "posts" && len(segments) == 2:
		if p := f.Post(segments[1]); p != nil {
			writeJSON(w, p)
			return
		}
		notFound(w, path)

	// PUT /api/v4/posts/{post_id}/patch
	case r.Method == http.MethodPut && segments[0] == "posts" && len(segments) == 3 && segments[2] == "patch":
		var patch model.PostPatch
		_ = json.Unmarshal(body, &patch)
		f.mu.Lock()
		p, ok := f.Posts[segments[1]]
		if ok && patch.Message != nil {
			p.Message = *patch.Message
		}
		f.mu.Unlock()
		if !ok {
			notFound(w, path)
			return
		}
		writeJSON(w, p)

	// DELETE /api/v4/posts/{post_id}
	case r.Method == http.MethodDelete && segments[0] == "posts" && len(segments) == 2:
		f.mu.Lock()
		delete(f.Posts, segments[1])
		f.mu.Unlock()
		writeJSON(w, map[string]string{"status": "OK"})

	default:
		notFound(w, path)
	}
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

// postEvent wraps post in a WebSocket event as the server would send it.
func postEvent(t *testing.T, eventType model.WebsocketEventType, post *model.Post, senderName string) *model.WebSocketEvent {
	t.Helper()
	data, err := json.Marshal(post)
	if err != nil {
		t.Fatalf("marshal post: %v", err)
	}
	return newWebSocketEvent(eventType, post.ChannelId, map[string]any{
		"post":        string(data),
		"sender_name": senderName,
	})
}

// testConfig returns a config with one group relaying chan1 and one with
// inbound disabled relaying chan-muted.
func testConfig(t *testing.T, serverURL string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Mattermost: config.MattermostConfig{
			ServerURL:           serverURL,
			Token:               "test-token",
			DisplaynameTemplate: "{{or .Nickname .Username}}",
			BotPrefix:           "bridge_",
			UseOverrideUsername: true,
		},
		Groups: []*config.Group{
			{
				Name:       "general",
				Mattermost: &config.MattermostGroup{ChannelID: "chan1"},
				Matrix:     &config.MatrixGroup{RoomID: "!general:example.org"},
			},
			{
				Name:       "muted",
				Mattermost: &config.MattermostGroup{ChannelID: "chan-muted", DisableInbound: true, DisableOutbound: true},
				Matrix:     &config.MatrixGroup{RoomID: "!muted:example.org"},
			},
		},
	}
	if err := cfg.Mattermost.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	return cfg
}

// newTestClient creates a Client connected to a fake server with a mock
// sender and a staging directory. The client is already authenticated.
func newTestClient(t *testing.T, fake *fakeMM, cfg *config.Config) (*Client, *mockSender) {
	t.Helper()
	stager, err := storage.NewStager(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStager: %v", err)
	}
	t.Cleanup(func() { _ = stager.Close() })

	sender := &mockSender{}
	c := NewClient(cfg, Options{
		Sender:  sender,
		Stager:  stager,
		Metrics: relay.NewMetrics(prometheus.NewRegistry()),
	}, zerolog.Nop())
	c.userID = "bot-user-id"
	return c, sender
}
