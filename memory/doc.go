// Package memory provides the vector-backed memory layer of the assistant.
//
// Memories are facts, preferences, financial actions and conversation turns
// recorded for a user so later turns and sessions can recall them. Every
// memory is namespaced by UserID.
//
// Architecture:
//   - Store: Vector storage backend. Two variants exist:
//     chromem (ephemeral, process lifetime) for unregistered users and
//     neo4j (persistent, cross-session) for registered users.
//   - Embedder: Text-to-vector conversion (hashing mock, ONNX MiniLM).
//   - Manager: Selects a store by registration status and exposes the
//     domain helpers used by the conversation pipeline.
//
// Integration:
//   - RETRIEVE phase: GetContextForPrompt before reply generation
//   - RECORD phase: StoreConversationMemory after the reply is produced
//
// Unregistered users never reach the persistent store, so unauthenticated
// content cannot leak into durable user-scoped storage.
package memory
