package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"qotdbot/internal/content"
	"qotdbot/internal/datastore/datastoretest"
	"qotdbot/internal/scheduler"
	logx "qotdbot/pkg/logx"
)

type fakeBot struct {
	mu      sync.Mutex
	sent    []string
	sendErr error
	chatErr error

	// chatHold blocks ChatByID until closed.
	chatHold chan struct{}
}

func (b *fakeBot) Send(to tele.Recipient, what any, _ ...any) (*tele.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return nil, b.sendErr
	}
	b.sent = append(b.sent, to.Recipient()+"|"+what.(string))
	return &tele.Message{ID: len(b.sent)}, nil
}

func (b *fakeBot) ChatByID(id int64) (*tele.Chat, error) {
	if b.chatHold != nil {
		<-b.chatHold
	}
	if b.chatErr != nil {
		return nil, b.chatErr
	}
	return &tele.Chat{ID: id}, nil
}

func newQuestions(t *testing.T, texts ...string) *content.Store {
	t.Helper()
	s := content.NewStore(datastoretest.NewSQLite(t))
	s.Sequential = true
	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	for _, txt := range texts {
		if _, err := s.Add(ctx, content.DefaultTenant, txt); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	return s
}

func TestDeliverSendsAndRecords(t *testing.T) {
	qs := newQuestions(t, "Cats or dogs?", "Tea <or> coffee?")
	bot := &fakeBot{}
	d := NewDeliverer(bot, qs, "Daily", logx.Nop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := d.Deliver(ctx, "-100", "-100")
		if !ok || err != nil {
			t.Fatalf("Deliver #%d = %v, %v", i, ok, err)
		}
	}
	if len(bot.sent) != 2 {
		t.Fatalf("sent = %d", len(bot.sent))
	}
	if !strings.HasPrefix(bot.sent[0], "-100|<b>Cats or dogs?</b>") {
		t.Fatalf("first message = %q", bot.sent[0])
	}
	if !strings.Contains(bot.sent[1], "Tea &lt;or&gt; coffee?") || !strings.Contains(bot.sent[1], "Daily • Default Question") {
		t.Fatalf("second message = %q", bot.sent[1])
	}

	ok, err := d.Deliver(ctx, "-100", "-100")
	if ok || err != nil {
		t.Fatalf("exhausted Deliver = %v, %v; want false, nil", ok, err)
	}
}

func TestDeliverFailureDoesNotConsumeQuestion(t *testing.T) {
	qs := newQuestions(t, "Only one")
	bot := &fakeBot{sendErr: errors.New("telegram: Too Many Requests (429)")}
	d := NewDeliverer(bot, qs, "", logx.Nop())

	ok, err := d.Deliver(context.Background(), "5", "5")
	if ok || err == nil || errors.Is(err, scheduler.ErrTenantGone) {
		t.Fatalf("Deliver = %v, %v", ok, err)
	}
	n, err := qs.Remaining(context.Background(), "5")
	if err != nil || n != 1 {
		t.Fatalf("Remaining = %d, %v; want 1", n, err)
	}
}

func TestDeliverMapsGoneChats(t *testing.T) {
	for _, sendErr := range []error{
		tele.ErrChatNotFound,
		tele.ErrBlockedByUser,
		tele.ErrKickedFromSuperGroup,
		errors.New("telegram: Forbidden: bot was kicked from the channel chat (403)"),
	} {
		d := NewDeliverer(&fakeBot{sendErr: sendErr}, newQuestions(t, "q"), "", logx.Nop())
		_, err := d.Deliver(context.Background(), "5", "5")
		if !errors.Is(err, scheduler.ErrTenantGone) {
			t.Fatalf("%v: err = %v, want ErrTenantGone", sendErr, err)
		}
	}
}

func TestDeliverRejectsBadTarget(t *testing.T) {
	d := NewDeliverer(&fakeBot{}, newQuestions(t, "q"), "", logx.Nop())
	if ok, err := d.Deliver(context.Background(), "5", "general"); ok || err == nil {
		t.Fatalf("Deliver = %v, %v", ok, err)
	}
}

func TestExists(t *testing.T) {
	d := NewDeliverer(&fakeBot{}, nil, "", logx.Nop())
	if ok, err := d.Exists(context.Background(), "12"); !ok || err != nil {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	d = NewDeliverer(&fakeBot{chatErr: tele.ErrChatNotFound}, nil, "", logx.Nop())
	if ok, err := d.Exists(context.Background(), "12"); ok || err != nil {
		t.Fatalf("Exists on a gone chat = %v, %v; want false, nil", ok, err)
	}
	d = NewDeliverer(&fakeBot{chatErr: errors.New("network down")}, nil, "", logx.Nop())
	if _, err := d.Exists(context.Background(), "12"); err == nil {
		t.Fatal("transport errors should surface")
	}
}

func TestExistsHonoursContext(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	d := NewDeliverer(&fakeBot{chatHold: hold}, nil, "", logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if ok, err := d.Exists(ctx, "12"); ok || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Exists on a stuck lookup = %v, %v; want DeadlineExceeded", ok, err)
	}

	done, stop := context.WithCancel(context.Background())
	stop()
	if _, err := d.Exists(done, "12"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Exists with canceled ctx = %v", err)
	}
}

func TestNewBotTalksToAPI(t *testing.T) {
	var mu sync.Mutex
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		mu.Lock()
		methods = append(methods, method)
		mu.Unlock()
		_, _ = io.Copy(io.Discard, r.Body)

		w.Header().Set("Content-Type", "application/json")
		switch method {
		case "sendMessage":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ok": true,
				"result": map[string]any{
					"message_id": 7,
					"date":       0,
					"chat":       map[string]any{"id": 42, "type": "group"},
					"text":       "x",
				},
			})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ok":          false,
				"error_code":  400,
				"description": "Bad Request: chat not found",
			})
		}
	}))
	defer srv.Close()

	bot, err := NewBot(Config{Token: "123:abc", APIURL: srv.URL, Offline: true})
	if err != nil {
		t.Fatalf("NewBot: %v", err)
	}
	d := NewDeliverer(bot, newQuestions(t, "hello"), "", logx.Nop())
	ok, err := d.Deliver(context.Background(), "42", "42")
	if !ok || err != nil {
		t.Fatalf("Deliver = %v, %v", ok, err)
	}
	if ok, err := d.Exists(context.Background(), "42"); ok || err != nil {
		t.Fatalf("Exists = %v, %v; want false, nil", ok, err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(methods) != 2 || methods[0] != "sendMessage" || methods[1] != "getChat" {
		t.Fatalf("methods = %v", methods)
	}
}

func TestNewBotRequiresToken(t *testing.T) {
	if _, err := NewBot(Config{}); err == nil {
		t.Fatal("expected error")
	}
}
