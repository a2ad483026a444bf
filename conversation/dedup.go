package conversation

import (
	"strings"

	"github.com/becomeliminal/nim-memory/core"
)

// MaxDedupMessages is the hard cap applied by Dedup.
const MaxDedupMessages = 10

// messageKey identifies a message by role and normalized content.
type messageKey struct {
	role    string
	content string
}

// keyOf returns the composite key of m. ok is false when the role or the
// normalized content is empty.
func keyOf(m core.Message) (key messageKey, ok bool) {
	content := strings.Join(strings.Fields(m.Content), " ")
	if m.Role == "" || content == "" {
		return messageKey{}, false
	}
	return messageKey{role: m.Role, content: content}, true
}

// Dedup removes duplicate messages, keeping the most recent occurrence of
// each id and of each (role, content) pair while preserving chronological
// order. Messages with an empty role or content are dropped. If more than
// MaxDedupMessages survive, every system message is kept along with the
// newest non-system messages that fit, system messages first.
func Dedup(messages []core.Message) []core.Message {
	seenIDs := make(map[string]struct{})
	seenKeys := make(map[messageKey]struct{})

	// Scan newest to oldest, filling out from the back.
	out := make([]core.Message, len(messages))
	next := len(out)
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.ID != "" {
			if _, dup := seenIDs[m.ID]; dup {
				continue
			}
			seenIDs[m.ID] = struct{}{}
		}
		key, ok := keyOf(m)
		if !ok {
			continue
		}
		if _, dup := seenKeys[key]; dup {
			continue
		}
		seenKeys[key] = struct{}{}
		next--
		out[next] = m
	}
	out = out[next:]

	if len(out) <= MaxDedupMessages {
		return out
	}
	return keepSystemAndTail(out, MaxDedupMessages)
}

// keepSystemAndTail returns the system messages of msgs followed by the
// newest non-system messages, limit in total. When the system messages alone
// exceed limit, only the newest limit of them are kept.
func keepSystemAndTail(msgs []core.Message, limit int) []core.Message {
	system, rest := splitSystem(msgs)
	if len(system) > limit {
		system = system[len(system)-limit:]
	}
	n := limit - len(system)
	if n < 0 {
		n = 0
	}
	if len(rest) > n {
		rest = rest[len(rest)-n:]
	}
	out := make([]core.Message, 0, len(system)+len(rest))
	out = append(out, system...)
	return append(out, rest...)
}

func splitSystem(msgs []core.Message) (system, rest []core.Message) {
	for _, m := range msgs {
		if m.IsSystem() {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	return system, rest
}
