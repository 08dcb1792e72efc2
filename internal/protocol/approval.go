package protocol

// Names under which the approval tool is exposed to the agent. The agent
// addresses an MCP tool as mcp__<server>__<tool>.
const (
	ApprovalServerName = "permissions"
	ApprovalToolName   = "approval_prompt"

	PermissionPromptTool = "mcp__" + ApprovalServerName + "__" + ApprovalToolName
)
