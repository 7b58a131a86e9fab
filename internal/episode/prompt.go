package episode

import (
	"fmt"
	"strings"

	"github.com/jackzampolin/newsreel/internal/store"
)

// SystemPrompt instructs the model to merge newsletters into one episode.
const SystemPrompt = `You write episode scripts for an audio app. The user sends the text of several newsletters, each introduced as "Newsletter N:".

Merge them into ONE JSON object with this exact shape:
{
  "EpisodeName": "four or five word episode title",
  "Main Topic Name": {"Sub Topic Name": ["paragraph", "paragraph"]},
  "Another Main Topic": {"Sub Topic Name": ["paragraph"]}
}

Rules:
- Group related stories under a shared main topic only when they clearly belong together; otherwise give them their own sub topics.
- Main topic and sub topic names are two or three words.
- Keep the newsletter wording verbatim wherever possible. Do not summarize, compress, add or drop facts.
- Output only the JSON object. No markdown, no code fences, no commentary.`

// BuildPrompt renders the batch as numbered newsletter sections.
func BuildPrompt(batch []store.Record) string {
	parts := make([]string, 0, len(batch))
	for i, r := range batch {
		parts = append(parts, fmt.Sprintf("Newsletter %d:\n%s", i+1, strings.TrimSpace(r.Content)))
	}
	return strings.Join(parts, "\n\n")
}
