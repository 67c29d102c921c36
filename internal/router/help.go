package router

import (
	"html"
	"strings"
)

// helpText renders help in HTML parse mode.
func (r *Router) helpText(args []string) string {
	r.mu.RLock()
	list := r.list
	index := r.index
	r.mu.RUnlock()

	if len(args) > 0 {
		c, ok := index[commandWord(args[0])]
		if !ok {
			return "❓ <b>Unknown command</b>\nTry <code>/help</code>."
		}
		lines := []string{"<b>/" + html.EscapeString(c.Name) + "</b>"}
		if c.Description != "" {
			lines = append(lines, html.EscapeString(c.Description))
		}
		if c.Usage != "" {
			lines = append(lines, "", "Usage: <code>"+html.EscapeString(c.Usage)+"</code>")
		}
		if len(c.Aliases) > 0 {
			lines = append(lines, "Aliases: "+html.EscapeString(strings.Join(c.Aliases, ", ")))
		}
		if c.Access == AccessOwnerOnly {
			lines = append(lines, "🔒 owner only")
		}
		return strings.Join(lines, "\n")
	}

	lines := []string{"📚 <b>Commands</b>", ""}
	for _, c := range list {
		line := "/" + html.EscapeString(c.Name)
		if c.Description != "" {
			line += " - " + html.EscapeString(c.Description)
		}
		if c.Access == AccessOwnerOnly {
			line += " 🔒"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
