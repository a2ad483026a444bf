package conversation

import "github.com/becomeliminal/nim-memory/core"

// DefaultMaxMessages is the soft bound Prune is applied with.
const DefaultMaxMessages = 15

// Prune bounds a history to maxMessages messages. Histories within the bound are
// returned unchanged. Otherwise all system messages are kept, non-system
// messages are deduplicated by role and content, and the newest
// maxMessages - #system of them follow the system messages.
func Prune(messages []core.Message, maxMessages int) []core.Message {
	if len(messages) <= maxMessages {
		return messages
	}

	system, rest := splitSystem(messages)

	seen := make(map[messageKey]struct{}, len(rest))
	unique := make([]core.Message, len(rest))
	next := len(unique)
	for i := len(rest) - 1; i >= 0; i-- {
		key, ok := keyOf(rest[i])
		if !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		next--
		unique[next] = rest[i]
	}
	unique = unique[next:]

	n := maxMessages - len(system)
	if n < 0 {
		n = 0
	}
	if len(unique) > n {
		unique = unique[len(unique)-n:]
	}

	out := make([]core.Message, 0, len(system)+len(unique))
	out = append(out, system...)
	return append(out, unique...)
}
