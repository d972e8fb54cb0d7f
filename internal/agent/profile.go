package agent

import "quill/internal/router"

// AgentProfile is the per-role configuration a Factory applies to a Loop.
type AgentProfile struct {
	Role          router.Role
	SystemPrompt  string
	Tools         []string // empty means every registered tool
	MaxIterations int
}

// ReadOnlyTools are the tools a planning or reviewing agent may use.
var ReadOnlyTools = []string{"list_files", "read_file", "grep"}

const plannerPrompt = `You are the PLANNER agent in a multi-agent coding system.
Your job is to analyze a coding request and produce a clear, step-by-step plan.

You will receive:
- A repo map showing the project structure
- Relevant source files
- The user's request

Your output should be:
1. A brief analysis of what needs to change
2. A numbered list of specific steps
3. Which files need to be created, modified, or deleted
4. Any potential risks or edge cases

Be concise. The CODER agent will implement your plan.
Do NOT write code. Just plan.`

const coderPrompt = `You are the CODER agent in a multi-agent coding system.
Your job is to write the actual code changes.

You will receive:
- The PLANNER's step-by-step plan
- The repo map and relevant source files
- The user's original request

Your output should be:
- Complete code changes with file paths
- Use diff format when modifying existing files
- Use full file content when creating new files
- Include ALL necessary changes, leave nothing for later

Write production-quality code. The REVIEWER agent will check your work.`

const reviewerPrompt = `You are the REVIEWER agent in a multi-agent coding system.
Your job is to review the CODER's implementation for issues.

You will receive:
- The original plan
- The code implementation
- The repo map and relevant files

Check for:
1. Correctness: Does the code implement the plan correctly?
2. Bugs: Are there any logical errors, off-by-one, null checks missing?
3. Security: Any injection vectors, unsafe operations, secret leaks?
4. Style: Does it match the existing codebase style?
5. Performance: Any obvious inefficiencies?

Output a brief review:
- APPROVED if the code looks good
- CONCERNS if there are minor issues (list them)
- REJECTED if there are critical bugs (explain what needs fixing)`

const assistantPrompt = `You are a coding assistant working inside the user's repository.
Use the available tools to inspect and change files. Explain what you did when you finish.`

// DefaultProfiles returns the built-in planner, coder and reviewer profiles
// plus a general profile for each task role.
func DefaultProfiles() map[router.Role]*AgentProfile {
	profiles := map[router.Role]*AgentProfile{
		router.RolePlanner:  {Role: router.RolePlanner, SystemPrompt: plannerPrompt, Tools: ReadOnlyTools},
		router.RoleCoder:    {Role: router.RoleCoder, SystemPrompt: coderPrompt},
		router.RoleReviewer: {Role: router.RoleReviewer, SystemPrompt: reviewerPrompt, Tools: ReadOnlyTools},
	}
	for _, role := range []router.Role{
		router.RoleReasoning,
		router.RoleToolOrchestration,
		router.RoleCodeGeneration,
		router.RoleCodeReview,
		router.RoleQuickAnswer,
	} {
		profiles[role] = &AgentProfile{Role: role, SystemPrompt: assistantPrompt}
	}
	return profiles
}
