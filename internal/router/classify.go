package router

import "strings"

var (
	reasoningWords = []string{"explain", "why", "design", "architect", "plan", "trade-off", "tradeoff", "compare", "perspective"}
	generateWords  = []string{"write", "implement", "create", "add a", "build", "generate", "code for"}
	reviewWords    = []string{"review", "bug", "wrong", "fix", "issue", "diff", "error"}
	quickWords     = []string{"what is", "how do", "what does"}
)

const quickAnswerMaxLen = 80

// Classify picks a task role for free-form input. Reasoning cues win over
// everything; a request that offers tools is tool orchestration otherwise.
func Classify(input string, hasTools bool) Role {
	lower := strings.ToLower(input)

	switch {
	case containsAny(lower, reasoningWords):
		return RoleReasoning
	case hasTools:
		return RoleToolOrchestration
	case containsAny(lower, generateWords):
		return RoleCodeGeneration
	case containsAny(lower, reviewWords):
		return RoleCodeReview
	case containsAny(lower, quickWords), len(lower) < quickAnswerMaxLen:
		return RoleQuickAnswer
	default:
		return RoleReasoning
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
