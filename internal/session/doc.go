// Package session provides comprehensive session management functionality for the OpenCode AI assistant.
//
// This package implements session lifecycle and CRUD operations -- creating,
// listing, forking, sharing, and reverting sessions -- and exposes
// ProcessMessage as the entry point HTTP handlers call to run a turn. The
// actual agentic loop (LLM streaming, tool execution, compaction) lives in
// internal/executor and internal/turn; Service drives it through a
// dispatcherBridge and translates its events back into the legacy
// types.Message/types.Part shape this package's callers already speak.
//
// # Architecture Overview
//
// The session package is built around a few components:
//
//   - Service: session CRUD plus the ProcessMessage entry point
//   - dispatcherBridge: adapts an executor.Dispatcher's event stream to the
//     legacy callback shape, since event.Queue.Drain has a single shared
//     buffer and only one goroutine may safely drain it per Dispatcher
//   - Storage: persistent storage of sessions, messages, and conversation history
//
// # Core Components
//
// ## Service
//
// The Service struct provides the main API for session management:
//
//	service := session.NewService(storage)
//
//	// Create a new session
//	sess, err := service.Create(ctx, "/path/to/project", "My Session")
//
//	// Process user messages
//	msg, parts, err := service.ProcessMessage(ctx, sess, "Help me refactor this code", model, callback)
//
// ## dispatcherBridge
//
// NewServiceWithDispatcher wires a Service to drive real turns through an
// executor.Dispatcher:
//
//	dispatcher := executor.NewDispatcher(executor.DispatcherConfig{...})
//	service := session.NewServiceWithDispatcher(storage, dispatcher)
//
// Without a dispatcher, ProcessMessage falls back to a placeholder response
// (used in tests and when no providers are configured).
//
// # Message Processing Flow
//
// The typical message processing flow follows these steps:
//
//  1. User creates a message with text/file parts
//  2. Service.ProcessMessage() saves the user message then calls the bridge
//  3. The bridge lazily calls Dispatcher.InitAgent for the session, then RunAgent
//  4. The dispatcher's turn loop streams the response and executes tool calls
//  5. The bridge translates engine events back into types.Message/types.Part,
//     invoking the caller's onUpdate callback as the message grows
//  6. The finished assistant message and its parts are persisted to storage
//
// # Storage and Persistence
//
// Sessions and messages are persisted using a hierarchical key-value structure:
//
//	session/{projectID}/{sessionID}     -> Session metadata
//	message/{sessionID}/{messageID}     -> Individual messages
//	part/{messageID}/{partID}          -> Message parts (text, files, tools)
//
// # Usage Examples
//
// ## Basic Session Creation
//
//	service := session.NewServiceWithDispatcher(storage, dispatcher)
//
//	sess, err := service.Create(ctx, "/home/user/project", "Code Review")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// ## Processing User Input
//
//	callback := func(msg *types.Message, parts []types.Part) {
//		// Handle real-time updates
//		fmt.Printf("Response: %v\n", parts)
//	}
//
//	model := &types.ModelRef{
//		ProviderID: "anthropic",
//		ModelID:    "claude-sonnet-4-20250514",
//	}
//
//	msg, parts, err := service.ProcessMessage(ctx, sess, "Refactor this function", model, callback)
//
// ## Session Management
//
//	// List sessions for a project
//	sessions, err := service.List(ctx, "/home/user/project")
//
//	// Fork a session at a specific message
//	fork, err := service.Fork(ctx, sessionID, messageID)
//
//	// Share a session
//	shareURL, err := service.Share(ctx, sessionID)
//
//	// Abort active processing
//	err = service.Abort(ctx, sessionID)
//
// # Thread Safety
//
// Service methods are safe for concurrent use. The dispatcherBridge runs a
// single goroutine that drains the Dispatcher's event queue and fans events
// out to whichever ProcessMessage call is waiting on a given session id.
//
// # Integration Points
//
// The session package integrates with several other OpenCode components:
//
//   - internal/executor: the Dispatcher driving the turn loop
//   - internal/storage: persistent data storage
//   - internal/event: the engine event stream
//   - pkg/types: shared type definitions
//
// This package forms the core of OpenCode's conversational AI capabilities,
// providing a robust foundation for AI-assisted software development workflows.
package session
