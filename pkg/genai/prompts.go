package genai

import "fmt"

// 难度取值，与任务载荷中的 difficulty 字段对应。
const (
	DifficultyEasy   = "easy"
	DifficultyMedium = "medium"
	DifficultyHard   = "hard"
	DifficultyExpert = "expert"
)

const chunkSystemPrompt = `You are a study material generator. Given a passage from a document,
produce a JSON object with exactly these fields:
"summary" (string), "flashcards" (array of {"front","back"}),
"mcqs" (array of {"question","options","correctIndex","explanation"}),
"frqs" (array of {"question","answer"}), "category" (string, one broad subject).
Respond with JSON only.`

const mindMapSystemPrompt = `You are a concept-graph builder. Given study content derived from a
document, produce a JSON object with fields:
"nodes" (array of {"id","label"}), "connections" (array of {"source","target","label"}),
"category" (string, one broad subject).
Node ids must be unique and every connection must reference existing node ids.
Respond with JSON only.`

// 各难度档位对应的出题口径。
var difficultyPrompts = map[string]string{
	DifficultyEasy:   "Target beginners: focus on definitions and basic recall, keep wording simple.",
	DifficultyMedium: "Target intermediate learners: mix recall with application questions.",
	DifficultyHard:   "Target advanced learners: emphasize analysis, comparisons and multi-step reasoning.",
	DifficultyExpert: "Target experts: prefer edge cases, synthesis across concepts and critical evaluation.",
}

// DifficultyPrompt 返回难度对应的提示语；未知难度回退到 medium。
func DifficultyPrompt(difficulty string) string {
	if p, ok := difficultyPrompts[difficulty]; ok {
		return p
	}
	return difficultyPrompts[DifficultyMedium]
}

func buildChunkUserPrompt(difficultyPrompt, text string) string {
	return fmt.Sprintf("%s\n\nGenerate study material for the following passage:\n\n%s", difficultyPrompt, text)
}

func buildMindMapUserPrompt(content string) string {
	return fmt.Sprintf("Build a concept graph for the following study content:\n\n%s", content)
}
