package notify

import (
	"strings"
	"sync"
)

// PreviewLimit bounds message previews embedded in notification bodies.
const PreviewLimit = 100

// Built-in templates, total over Kind. {placeholder} names must match the
// vars handed to Render.
var defaultTemplates = map[Kind]string{
	KindAttentionOnline:       "{name} is online",
	KindAttentionOffline:      "{name} went offline",
	KindAttentionStatusChange: "{name} is now {status}",
	KindAttentionMessage:      "{name}: {preview}",
	KindAttentionUpdated:      "{name} updated their attention list",
}

// Templates holds runtime overrides keyed by kind; a missing override falls
// back to the built-in default, never to an empty string.
type Templates struct {
	mu        sync.RWMutex
	overrides map[Kind]string
}

func NewTemplates() *Templates {
	return &Templates{overrides: make(map[Kind]string)}
}

// Override installs a runtime template for kind; empty tpl clears it.
func (t *Templates) Override(kind Kind, tpl string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tpl == "" {
		delete(t.overrides, kind)
		return
	}
	t.overrides[kind] = tpl
}

func (t *Templates) lookup(kind Kind) string {
	t.mu.RLock()
	tpl, ok := t.overrides[kind]
	t.mu.RUnlock()
	if ok && tpl != "" {
		return tpl
	}
	if def, ok := defaultTemplates[kind]; ok {
		return def
	}
	return "{name}"
}

// Render substitutes {placeholder} occurrences with vars.
func (t *Templates) Render(kind Kind, vars map[string]string) string {
	out := t.lookup(kind)
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// TruncatePreview cuts s to PreviewLimit characters (runes, not bytes) and
// appends an ellipsis when anything was cut.
func TruncatePreview(s string) string {
	r := []rune(s)
	if len(r) <= PreviewLimit {
		return s
	}
	return string(r[:PreviewLimit]) + "..."
}
