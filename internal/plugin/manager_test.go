package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"atmobot/internal/config"
	"atmobot/internal/router"
	kit "atmobot/internal/transport"
	logx "atmobot/pkg/logx"
)

type fakePlugin struct {
	Base
	name       string
	failStart  bool
	panicStart bool
	rejectCfg  bool

	mu      sync.Mutex
	calls   []string
	updates int
}

func (f *fakePlugin) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakePlugin) Calls() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.calls, ",")
}

func (f *fakePlugin) Name() string { return f.name }
func (f *fakePlugin) Init(ctx context.Context, deps Deps) error {
	f.InitBase(deps, f.name)
	f.record("init")
	return nil
}
func (f *fakePlugin) Start(ctx context.Context) error {
	if f.panicStart {
		panic("start exploded")
	}
	if f.failStart {
		return errors.New("no credentials")
	}
	f.StartBase(ctx)
	f.record("start")
	return nil
}
func (f *fakePlugin) Stop(ctx context.Context) error {
	f.record("stop")
	return f.StopBase(ctx)
}
func (f *fakePlugin) Commands() []router.Command {
	return []router.Command{{Name: f.name + "_cmd", Handle: func(context.Context, *router.Request) error { return nil }}}
}
func (f *fakePlugin) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	f.record("config")
	return nil
}
func (f *fakePlugin) ValidateConfig(ctx context.Context, raw json.RawMessage) error {
	if f.rejectCfg {
		return errors.New("bad config")
	}
	return nil
}
func (f *fakePlugin) OnUpdate(ctx context.Context, up kit.Update) {
	f.mu.Lock()
	f.updates++
	f.mu.Unlock()
}

type nopAdapter struct{}

func (nopAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (nopAdapter) Stop(ctx context.Context) error                         { return nil }
func (nopAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return kit.MessageRef{}, nil
}
func (nopAdapter) SendFile(ctx context.Context, to kit.ChatTarget, f kit.File) (kit.MessageRef, error) {
	return kit.MessageRef{}, nil
}

func cfgWith(blocks map[string]config.PluginConfigRaw) *config.Config {
	return &config.Config{Plugins: blocks}
}

func hasCommand(rt *router.Router, name string) bool {
	for _, c := range rt.Commands() {
		if c.Name == name {
			return true
		}
	}
	return false
}

func TestManagerLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rt := router.New(logx.Nop(), nopAdapter{}, nil)
	pm := NewManager(logx.Nop(), Deps{}, rt)
	p := &fakePlugin{name: "weather"}
	pm.Register(p)

	on := cfgWith(map[string]config.PluginConfigRaw{"weather": {Enabled: true, Config: json.RawMessage(`{"a": 1, "b": 2}`)}})
	pm.Apply(ctx, on)
	if got := p.Calls(); got != "init,config,start" {
		t.Fatalf("calls = %q", got)
	}
	if !hasCommand(rt, "weather_cmd") {
		t.Fatal("command not registered")
	}

	// Same config modulo whitespace and key order.
	pm.Apply(ctx, cfgWith(map[string]config.PluginConfigRaw{"weather": {Enabled: true, Config: json.RawMessage(`{"b":2,"a":1}`)}}))
	if got := p.Calls(); got != "init,config,start" {
		t.Fatalf("unchanged config re-applied: %q", got)
	}

	pm.Apply(ctx, cfgWith(map[string]config.PluginConfigRaw{"weather": {Enabled: true, Config: json.RawMessage(`{"a":3}`)}}))
	if got := p.Calls(); got != "init,config,start,config" {
		t.Fatalf("calls after change = %q", got)
	}

	pm.OnUpdate(ctx, kit.Update{Kind: kit.UpdateOther})
	if p.updates != 1 {
		t.Fatalf("updates = %d", p.updates)
	}

	pm.Apply(ctx, cfgWith(nil))
	if got := p.Calls(); got != "init,config,start,config,stop" {
		t.Fatalf("calls after disable = %q", got)
	}
	if hasCommand(rt, "weather_cmd") {
		t.Fatal("command still registered after disable")
	}
	pm.OnUpdate(ctx, kit.Update{Kind: kit.UpdateOther})
	if p.updates != 1 {
		t.Fatal("stopped plugin observed an update")
	}

	// Re-enable does not call Init again.
	pm.Apply(ctx, on)
	if got := p.Calls(); got != "init,config,start,config,stop,config,start" {
		t.Fatalf("calls after re-enable = %q", got)
	}
	pm.StopAll(ctx)
	if _, running := pm.Lookup("weather"); running {
		t.Fatal("plugin running after StopAll")
	}
}

func TestManagerStartFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pm := NewManager(logx.Nop(), Deps{}, nil)
	bad := &fakePlugin{name: "bad", failStart: true}
	boom := &fakePlugin{name: "boom", panicStart: true}
	pm.Register(bad, boom)
	pm.Apply(ctx, cfgWith(map[string]config.PluginConfigRaw{"bad": {Enabled: true}, "boom": {Enabled: true}}))

	for _, st := range pm.Snapshot() {
		if st.Running || !st.Enabled || st.LastErr == "" {
			t.Fatalf("status = %+v", st)
		}
	}
}

func TestManagerValidateConfig(t *testing.T) {
	t.Parallel()
	pm := NewManager(logx.Nop(), Deps{}, nil)
	pm.Register(&fakePlugin{name: "weather", rejectCfg: true})

	err := pm.ValidateConfig(context.Background(), cfgWith(map[string]config.PluginConfigRaw{"weather": {Enabled: true}}))
	if err == nil || !strings.Contains(err.Error(), "bad config") {
		t.Fatalf("err = %v", err)
	}
	if err := pm.ValidateConfig(context.Background(), cfgWith(map[string]config.PluginConfigRaw{"weather": {Enabled: false}})); err != nil {
		t.Fatalf("disabled plugin validated: %v", err)
	}
	if err := pm.ValidateConfig(context.Background(), cfgWith(map[string]config.PluginConfigRaw{"nope": {}})); err == nil {
		t.Fatal("expected unknown plugin error")
	}
}

func TestDecodePluginConfig(t *testing.T) {
	t.Parallel()
	type cfg struct {
		Tick string `json:"tick"`
	}
	got, err := DecodePluginConfig[cfg](json.RawMessage(`{"tick":"@every 1m"}`))
	if err != nil || got.Tick != "@every 1m" {
		t.Fatalf("decode = %+v, %v", got, err)
	}
	if _, err := DecodePluginConfig[cfg](json.RawMessage(`{"tik":"x"}`)); err == nil {
		t.Fatal("expected unknown field error")
	}
	if got, err := DecodePluginConfig[cfg](nil); err != nil || got.Tick != "" {
		t.Fatalf("empty decode = %+v, %v", got, err)
	}
}
