package config

import (
	"bytes"
	"reflect"
	"sort"
	"strings"

	logx "atmobot/pkg/logx"
)

// SummarizeChange returns the changed top-level sections, safe structured
// fields for logging (never tokens) and the names of plugins whose enable
// flag or config block changed.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	fields := make([]logx.Field, 0, 12)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) ||
		ot.Token != nt.Token {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		fields = append(fields,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}

	if !httpEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		if newCfg.HTTP != nil {
			fields = append(fields,
				logx.Bool("http.enabled", newCfg.HTTP.Enabled),
				logx.String("http.addr", newCfg.HTTP.Addr),
			)
		}
	}

	plugins := changedPlugins(oldCfg.Plugins, newCfg.Plugins)
	if len(plugins) > 0 {
		changed = append(changed, "plugins")
		fields = append(fields, logx.String("plugins.changed", strings.Join(plugins, ",")))
	}
	return changed, fields, plugins
}

func httpEqual(a, b *HTTPConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func changedPlugins(a, b map[string]PluginConfigRaw) []string {
	seen := map[string]struct{}{}
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	out := make([]string, 0)
	for name := range seen {
		pa, okA := a[name]
		pb, okB := b[name]
		if okA != okB || pa.Enabled != pb.Enabled || !bytes.Equal(pa.Config, pb.Config) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
