// Package approval connects the agent's permission prompts to human decisions.
//
// Each agent is launched with an MCP config naming one HTTP server,
// "permissions", at /mcp/{sessionId}, and with --permission-prompt-tool set to
// mcp__permissions__approval_prompt. Before running a sensitive tool the agent
// calls approval_prompt with:
//
//	{"tool_name": "Bash", "input": {...}, "tool_use_id": "toolu_..."}
//
// The Server decodes the call and hands it to the Bridge, which records a
// pending request in the permission ledger, broadcasts a permission-request
// event to the session's observers and blocks. The wait ends when:
//
//   - a human approves or denies through the API (ledger push, with a poll
//     fallback)
//   - the session's agent exits
//   - the HTTP call is cancelled
//   - the timeout elapses (ApprovalTimeout, the record stays pending)
//
// The verdict goes back as the text content of the tool result:
//
//	{"behavior": "allow", "updatedInput": {...}}
//	{"behavior": "deny", "message": "..."}
//
// Transport follows MCP Streamable HTTP: POST for JSON-RPC messages, DELETE to
// end the MCP session, no server-initiated streams.
package approval
