package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	name string
	err  error

	mu     sync.Mutex
	titles []string
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func (r *recordingSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.titles...)
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFilter(t *testing.T) {
	rec := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{rec}, []string{EventMarketResolved, " "}, discardLogger())

	require.NoError(t, n.Notify(context.Background(), Event{Type: EventMarketCreated, Title: "created"}))
	require.NoError(t, n.Notify(context.Background(), Event{Type: EventMarketResolved, Title: "resolved"}))
	assert.Equal(t, []string{"resolved"}, rec.sent())
}

func TestNotifierContinuesPastFailure(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.Notify(context.Background(), Event{Type: EventLargeTrade, Title: "whale"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Equal(t, []string{"whale"}, good.sent())
}

func TestNotifierGo(t *testing.T) {
	rec := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{rec}, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	n.Go(ctx, Event{Type: EventMarketClosed, Title: "closed"})
	cancel()
	n.Wait()
	assert.Equal(t, []string{"closed"}, rec.sent())

	var disabled *Notifier
	assert.False(t, disabled.Enabled())
	disabled.Wait()
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.baseURL = srv.URL
	require.NoError(t, s.Send(context.Background(), "Market resolved", "YES wins"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "<b>Market resolved</b>\nYES wins", got["text"])
	assert.Equal(t, "HTML", got["parse_mode"])
}

func TestTelegramSenderEscapesText(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.baseURL = srv.URL
	require.NoError(t, s.Send(context.Background(), "Market <created>", "Will *BTC_USD* hit [100k] & <b>hold</b>?"))
	assert.Equal(t, "<b>Market &lt;created&gt;</b>\nWill *BTC_USD* hit [100k] &amp; &lt;b&gt;hold&lt;/b&gt;?", got["text"])
}

func TestDiscordSenderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord: unexpected status 429")
}
