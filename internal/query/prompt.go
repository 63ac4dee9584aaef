package query

import (
	"fmt"
	"strings"

	"github.com/edupilot/edupilot/internal/session"
)

const systemPromptEN = `You are EduPilot, a study-abroad consultation assistant. Answer using ONLY the numbered context passages provided. Cite every factual claim with its passage number in square brackets, like [1] or [2]. If the context does not cover the question, say so instead of guessing. Answer in English.`

const systemPromptZH = `你是留学咨询助手 EduPilot。回答时只能使用提供的编号资料段落，每个事实性陈述都要用方括号标注来源编号，例如 [1] 或 [2]。如果资料没有覆盖问题，直接说明，不要猜测。请用中文回答。`

// Used for turns with retrieval disabled; no citation contract applies.
const directPromptEN = `You are EduPilot, a study-abroad consultation assistant. Answer helpfully and concisely. Answer in English.`

const directPromptZH = `你是留学咨询助手 EduPilot。请简洁、有帮助地回答。请用中文回答。`

// passage is one context entry handed to the model: unlike the citation
// snippet shown to clients, it carries the full chunk text.
type passage struct {
	Marker int
	Title  string
	Text   string
}

const beginnerPromptEN = `The student is new to the application process: avoid jargon, expand abbreviations on first use, and explain each step simply.`

const beginnerPromptZH = `学生刚开始了解申请流程：避免术语，首次出现的缩写要展开，步骤要解释得简单易懂。`

// buildMessages assembles the chat request: system prompt, recent
// history, then the current question with its context block.
func buildMessages(language string, sess session.Session, query string, passages []passage, explainLikeNew bool, prompts PromptSet) []Message {
	system := prompts.SystemEN
	if language == "zh" {
		system = prompts.SystemZH
	}
	if len(passages) == 0 {
		system = prompts.DirectEN
		if language == "zh" {
			system = prompts.DirectZH
		}
	}
	if explainLikeNew {
		beginner := prompts.BeginnerEN
		if language == "zh" {
			beginner = prompts.BeginnerZH
		}
		system = beginner + "\n\n" + system
	}
	if profile := slotSummary(sess.Slots, language); profile != "" {
		system += "\n\n" + profile
	}

	messages := []Message{{Role: "system", Content: system}}

	// The current question was already appended to the session; it enters
	// the prompt through the context block instead.
	history := sess.Messages
	if n := len(history); n > 0 && history[n-1].Role == "user" {
		history = history[:n-1]
	}
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	for _, m := range history {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		messages = append(messages, Message{Role: string(m.Role), Content: m.Content})
	}

	messages = append(messages, Message{
		Role:    "user",
		Content: contextBlock(language, query, passages),
	})
	return messages
}

// slotSummary renders the student profile known so far.
func slotSummary(slots map[string]session.SlotValue, language string) string {
	if len(slots) == 0 {
		return ""
	}

	var lines []string
	for _, def := range session.Catalog() {
		v, ok := slots[def.Name]
		if !ok {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", def.Name, v.String()))
	}
	if len(lines) == 0 {
		return ""
	}

	header := "Student profile:"
	if language == "zh" {
		header = "学生档案："
	}
	return header + "\n" + strings.Join(lines, "\n")
}

func contextBlock(language, query string, passages []passage) string {
	if len(passages) == 0 {
		return query
	}

	var sb strings.Builder
	if language == "zh" {
		sb.WriteString("参考资料：\n")
	} else {
		sb.WriteString("Context passages:\n")
	}

	for _, p := range passages {
		sb.WriteString(fmt.Sprintf("[%d] (%s) %s\n", p.Marker, p.Title, p.Text))
	}

	if language == "zh" {
		sb.WriteString("\n问题：")
	} else {
		sb.WriteString("\nQuestion: ")
	}
	sb.WriteString(query)
	return sb.String()
}
