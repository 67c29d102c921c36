package router

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	kit "atmobot/internal/transport"
	logx "atmobot/pkg/logx"
)

type sent struct {
	to   kit.ChatTarget
	text string
}

type fakeAdapter struct {
	out chan sent
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{out: make(chan sent, 16)} }

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }
func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.out <- sent{to: to, text: text}
	return kit.MessageRef{ChatID: to.ChatID}, nil
}
func (f *fakeAdapter) SendFile(ctx context.Context, to kit.ChatTarget, file kit.File) (kit.MessageRef, error) {
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) next(t *testing.T) sent {
	t.Helper()
	select {
	case s := <-f.out:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a reply")
		return sent{}
	}
}

func msg(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 42, FromID: from, Text: text}}
}

func startRouter(t *testing.T, r *Router) chan kit.Update {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update)
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx, updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return updates
}

func TestTokenizeAndFlags(t *testing.T) {
	t.Parallel()
	toks := tokenizeCommandLine(`/plot "daily overview" --format=svg -v --dpi 80 rest`)
	want := []string{"/plot", "daily overview", "--format=svg", "-v", "--dpi", "80", "rest"}
	if !reflect.DeepEqual(toks, want) {
		t.Fatalf("tokens = %q", toks)
	}
	pos, flags, bools := parseFlags(toks[1:])
	if !reflect.DeepEqual(pos, []string{"daily overview", "rest"}) {
		t.Fatalf("pos = %q", pos)
	}
	if flags["format"] != "svg" || flags["dpi"] != "80" || !bools["v"] {
		t.Fatalf("flags = %v bools = %v", flags, bools)
	}
}

func TestCommandWordAndSanitize(t *testing.T) {
	t.Parallel()
	tests := map[string]string{"/Weather@atmo_bot": "weather", "/plot": "plot"}
	for in, want := range tests {
		if got := commandWord(in); got != want {
			t.Fatalf("commandWord(%q) = %q", in, got)
		}
	}
	if got := sanitizeCommand("Weather-Now!"); got != "weather_now" {
		t.Fatalf("sanitizeCommand = %q", got)
	}
}

func TestDispatchAccessAndObserver(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	var observed atomic.Int64
	r := New(logx.Nop(), ad, []int64{1}, WithWorkers(2), WithObserver(func(ctx context.Context, up kit.Update) {
		observed.Add(1)
	}))
	r.SetCommands([]Command{
		{Name: "ping", Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, "pong "+strings.Join(req.Args, ","))
		}},
		{Name: "refresh", Access: AccessOwnerOnly, Aliases: []string{"r"}, Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, "refreshing")
		}},
		{Name: "fail", Handle: func(ctx context.Context, req *Request) error {
			return errors.New("boom")
		}},
	})
	updates := startRouter(t, r)

	updates <- msg(7, "/ping a b")
	if got := ad.next(t).text; got != "pong a,b" {
		t.Fatalf("ping reply = %q", got)
	}
	updates <- msg(7, "/refresh")
	if got := ad.next(t).text; got != "unauthorized" {
		t.Fatalf("non-owner reply = %q", got)
	}
	updates <- msg(1, "/r")
	if got := ad.next(t).text; got != "refreshing" {
		t.Fatalf("owner alias reply = %q", got)
	}
	updates <- msg(7, "/fail")
	if got := ad.next(t).text; got != "error: boom" {
		t.Fatalf("error reply = %q", got)
	}
	updates <- msg(7, "/nope")
	if got := ad.next(t).text; !strings.Contains(got, "unknown command") {
		t.Fatalf("unknown reply = %q", got)
	}
	updates <- msg(7, "just chatting")
	updates <- kit.Update{Kind: kit.UpdateOther}
	updates <- msg(7, "/help")
	help := ad.next(t).text
	if !strings.Contains(help, "/ping") || !strings.Contains(help, "/refresh 🔒") {
		t.Fatalf("help = %q", help)
	}
	if n := observed.Load(); n != 8 {
		t.Fatalf("observed = %d, want 8", n)
	}
}

func TestHelpForCommand(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop(), newFakeAdapter(), nil)
	r.SetCommands([]Command{{Name: "plot", Usage: "/plot <chart>", Access: AccessOwnerOnly, Handle: func(context.Context, *Request) error { return nil }}})
	got := r.helpText([]string{"plot"})
	if !strings.Contains(got, "/plot &lt;chart&gt;") || !strings.Contains(got, "owner only") {
		t.Fatalf("help = %q", got)
	}
	if got := r.helpText([]string{"zzz"}); !strings.Contains(got, "Unknown") {
		t.Fatalf("unknown help = %q", got)
	}
	if n := len(r.Commands()); n != 2 {
		t.Fatalf("commands = %d, want 2 (plot + help)", n)
	}
}
