// Package injection holds the table of named prompt fragments contributed by
// external collaborators (world info, author's note, persona, extensions) and
// by the core itself.
package injection

import (
	"sort"
	"strings"
	"sync"

	"fable-server/types"
)

// RoleAny matches every role when reading the table.
const RoleAny types.InjectionRole = -1

// DepthAny matches every depth when reading the table.
const DepthAny = -1

type Table struct {
	mu    sync.Mutex
	slots map[string]types.InjectionSlot
}

func NewTable() *Table {
	return &Table{slots: map[string]types.InjectionSlot{}}
}

// Set creates or replaces the slot for key. An empty value effectively clears
// the slot but the key stays registered, so re-activation is cheap.
func (t *Table) Set(key, value string, position types.InjectionPosition, depth int, scan bool, role types.InjectionRole) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots[key] = types.InjectionSlot{
		Key:      key,
		Value:    strings.TrimSpace(value),
		Position: position,
		Depth:    depth,
		Scan:     scan,
		Role:     role,
	}
}

// FlushPrefix drops every slot whose key starts with prefix. Depth-based
// world-info entries are flushed at the start of every generation to avoid
// duplicate keys.
func (t *Table) FlushPrefix(prefix string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.slots {
		if strings.HasPrefix(key, prefix) {
			delete(t.slots, key)
		}
	}
}

// Prompt joins the values of every non-empty slot matching position, depth and
// role, in key order. With wrap set, the result is padded with the separator
// on both ends the way in-chat fragments expect.
func (t *Table) Prompt(position types.InjectionPosition, depth int, separator string, role types.InjectionRole, wrap bool) string {
	t.mu.Lock()
	keys := make([]string, 0, len(t.slots))
	for key := range t.slots {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	values := make([]string, 0, len(keys))
	for _, key := range keys {
		slot := t.slots[key]
		if slot.Value == "" || slot.Position != position {
			continue
		}
		if depth != DepthAny && slot.Depth != depth {
			continue
		}
		if role != RoleAny && slot.Role != role {
			continue
		}
		values = append(values, slot.Value)
	}
	t.mu.Unlock()

	prompt := strings.Join(values, separator)
	if wrap && prompt != "" {
		if !strings.HasPrefix(prompt, separator) {
			prompt = separator + prompt
		}
		if !strings.HasSuffix(prompt, separator) {
			prompt = prompt + separator
		}
	}
	return prompt
}

// MaxDepth reports the deepest in-chat slot currently registered, so the
// assembler can sweep fragments anchored beyond the fitted window.
func (t *Table) MaxDepth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	max := 0
	for _, slot := range t.slots {
		if slot.Position == types.InjectInChat && slot.Value != "" && slot.Depth > max {
			max = slot.Depth
		}
	}
	return max
}

// ScanText joins every slot flagged for world-info scanning, regardless of
// position. Downstream triggering consumes this, not the core.
func (t *Table) ScanText(separator string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.slots))
	for key := range t.slots {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	values := make([]string, 0, len(keys))
	for _, key := range keys {
		slot := t.slots[key]
		if slot.Scan && slot.Value != "" {
			values = append(values, slot.Value)
		}
	}
	return strings.Join(values, separator)
}
