package summarize

import "fmt"

const systemPrompt = `You are an audiobook narrator. You retell book chapters as vivid, faithful prose meant to be read aloud. You never add events that are not in the text. You answer with JSON only.`

const finalSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["summary"],
  "properties": {
    "chapter_title": {"type": ["string", "null"]},
    "summary": {"type": "string", "minLength": 1},
    "tone": {"type": ["string", "null"]}
  }
}`

const chunkSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["summary"],
  "properties": {
    "summary": {"type": "string", "minLength": 1}
  }
}`

func finalPrompt(title string, minWords, maxWords int, text string) string {
	return fmt.Sprintf(`Summarize the chapter %q in a descriptive, emotional style suitable for audiobook narration.
Keep it %d-%d words.
Return only JSON:
{"chapter_title": %q, "summary": "...", "tone": "emotional|calm|dramatic"}

Text:
%s`, title, minWords, maxWords, title, text)
}

func chunkPrompt(title string, part, parts int, text string) string {
	return fmt.Sprintf(`This is part %d of %d of the chapter %q.
Write a compact summary of this part (about 80-120 words) keeping the events, characters and their motives in order.
Return only JSON: {"summary": "..."}

Text:
%s`, part, parts, title, text)
}

func condensePrompt(title string, minWords, maxWords int, notes string) string {
	return fmt.Sprintf(`Below are summaries of consecutive parts of the chapter %q.
Merge them into one narration in a descriptive, emotional style suitable for an audiobook.
Keep it %d-%d words.
Return only JSON:
{"chapter_title": %q, "summary": "...", "tone": "emotional|calm|dramatic"}

Part summaries:
%s`, title, minWords, maxWords, title, notes)
}
