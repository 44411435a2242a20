package provider

import (
	"strings"

	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
)

var systemPrompts = map[pipeline.TaskType]string{
	pipeline.TaskGeneration:  "You are a senior software engineer. Write correct, idiomatic code that fulfils the request. Reply with the code and a short note on any assumptions.",
	pipeline.TaskExplanation: "You are a patient senior engineer. Explain the code or concept clearly and concisely for the stated audience.",
	pipeline.TaskDebugging:   "You are an expert debugger. Identify the most likely root cause of the problem and propose a concrete fix.",
	pipeline.TaskReview:      "You are a meticulous code reviewer. List concrete issues ordered by severity, each with a suggested improvement.",
}

// SystemPrompt returns the instruction sent ahead of the user's prompt.
func SystemPrompt(task pipeline.TaskType) string {
	if prompt, ok := systemPrompts[task]; ok {
		return prompt
	}
	return systemPrompts[pipeline.TaskExplanation]
}

// UserMessage renders the request's context tags ahead of the prompt. Tags are
// already sorted by the normalizer so the output is deterministic.
func UserMessage(req pipeline.Request) string {
	tags := req.Tags()
	if len(tags) == 0 {
		return req.Prompt()
	}
	var b strings.Builder
	b.WriteString("Context:\n")
	for _, tag := range tags {
		b.WriteString("- ")
		b.WriteString(string(tag.Key))
		b.WriteString(": ")
		b.WriteString(tag.Value)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.WriteString(req.Prompt())
	return b.String()
}
