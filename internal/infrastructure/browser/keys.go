package browser

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp/kb"
)

var namedKeys = map[string]string{
	"tab":       kb.Tab,
	"enter":     kb.Enter,
	"return":    kb.Enter,
	"escape":    kb.Escape,
	"esc":       kb.Escape,
	"backspace": kb.Backspace,
	"delete":    kb.Delete,
	"space":     " ",
	"up":        kb.ArrowUp,
	"down":      kb.ArrowDown,
	"left":      kb.ArrowLeft,
	"right":     kb.ArrowRight,
	"home":      kb.Home,
	"end":       kb.End,
	"pageup":    kb.PageUp,
	"pagedown":  kb.PageDown,
	"f1":        kb.F1,
	"f2":        kb.F2,
	"f3":        kb.F3,
	"f4":        kb.F4,
	"f5":        kb.F5,
	"f6":        kb.F6,
	"f7":        kb.F7,
	"f8":        kb.F8,
	"f9":        kb.F9,
	"f10":       kb.F10,
	"f11":       kb.F11,
	"f12":       kb.F12,
}

var modifiers = map[string]input.Modifier{
	"ctrl":    input.ModifierCtrl,
	"control": input.ModifierCtrl,
	"alt":     input.ModifierAlt,
	"shift":   input.ModifierShift,
	"meta":    input.ModifierMeta,
	"win":     input.ModifierMeta,
}

// keyFor maps a key name to the key sequence chromedp sends. Single
// characters are sent as themselves.
func keyFor(name string) (string, error) {
	if k, ok := namedKeys[strings.ToLower(name)]; ok {
		return k, nil
	}
	if utf8.RuneCountInString(name) == 1 {
		return name, nil
	}
	return "", fmt.Errorf("unknown key %q", name)
}

// parseHotkey splits "ctrl+shift+s" into its key and modifiers
func parseHotkey(combo string) (string, []input.Modifier, error) {
	parts := strings.Split(combo, "+")
	if len(parts) == 0 || strings.TrimSpace(parts[len(parts)-1]) == "" {
		return "", nil, fmt.Errorf("invalid hotkey %q", combo)
	}

	var mods []input.Modifier
	for _, p := range parts[:len(parts)-1] {
		m, ok := modifiers[strings.ToLower(strings.TrimSpace(p))]
		if !ok {
			return "", nil, fmt.Errorf("invalid hotkey %q: unknown modifier %q", combo, p)
		}
		mods = append(mods, m)
	}

	key, err := keyFor(strings.TrimSpace(parts[len(parts)-1]))
	if err != nil {
		return "", nil, fmt.Errorf("invalid hotkey %q: %w", combo, err)
	}
	return key, mods, nil
}
