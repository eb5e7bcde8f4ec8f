// Package agentd is a long-lived agent server: websocket clients hold
// sessions against a streaming LLM provider while the server runs the agent
// loop on their behalf.
//
// Each session owns a conversation transcript, a tool registry (shell,
// patching, todos, plus any configured MCP servers), an approval workflow
// gating tool execution, and a durable JSONL journal. Every frame that
// crosses the socket is journaled before it is sent or handled, so a client
// that reconnects with its session id gets the full transcript back without
// a provider call.
//
// # Quick Start
//
// Install agentd:
//
//	go install github.com/tinkerbay/agentd/cmd/agentd@latest
//
// Start a server against Anthropic:
//
//	export ANTHROPIC_API_KEY=sk-...
//	agentd serve --model claude-sonnet-4-20250514
//
// Then connect a websocket client to ws://localhost:8080/ws and send
// user_input frames. See pkg/protocol for the frame and conversation item
// types.
//
// # Packages
//
//   - pkg/protocol: wire frames and conversation items
//   - pkg/server: websocket endpoint, session lifecycle, HTTP front
//   - pkg/agent: the turn loop, tool dispatch and approval coordination
//   - pkg/tools: shell, apply_patch, read_chunk, todos and MCP sources
//   - pkg/llms: Anthropic, OpenAI and Gemini streaming adapters
//   - pkg/journal: per-session JSONL journal and transcript reconstruction
//   - pkg/contextmgr: token accounting and context compaction
package agentd
