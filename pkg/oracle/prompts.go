package oracle

import (
	"fmt"
	"strings"

	"github.com/Crowdcompany/CrowdCompanyBot/pkg/memory"
)

const scoreSystemPrompt = `You score how important a conversation message is for long-term memory.
Respond with a single JSON object and nothing else:
{"frequency_points": 0-3, "recency_points": 0-2, "explicit_points": 0-2, "relevance_points": 0-3, "reasoning": "one short sentence"}
frequency_points: how often the user returns to this topic (0 rarely, 3 constantly).
recency_points: 2 if the message is from the last week, 1 within a month, 0 older.
explicit_points: did the user explicitly ask to remember this (0 no, 1 one cue, 2 strong or repeated cues).
relevance_points: lasting personal relevance such as preferences, decisions, facts about the user (0 small talk, 3 durable fact).`

func scorePrompt(req memory.ScoreRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Message: %s\n\n", req.Snippet)
	fmt.Fprintf(&sb, "Observed topic mentions in history: %d\n", req.TopicFrequency)
	fmt.Fprintf(&sb, "Message age in days: %d\n", req.AgeDays)
	fmt.Fprintf(&sb, "Explicit memory cues detected: %d\n", req.ExplicitMarkerHits)
	return sb.String()
}

const digestSystemPrompt = `You condense conversation memory into a period digest.
Respond with a single JSON object and nothing else:
{"text": "...", "themes": [...], "decisions": [...], "recurring": [...], "cross_refs": [...]}
text: a compact narrative of the period, a few paragraphs at most.
themes: 2 to 5 short theme labels.
decisions: concrete decisions, preferences and facts worth keeping verbatim.
recurring: topics that came up across multiple source periods.
cross_refs: references to other periods the reader should consult, may be empty.
Never invent content that is not in the source material.`

func digestPrompt(req memory.DigestRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Produce the %s digest for period %s from these source buckets.\n", req.TargetTier, req.PeriodLabel)
	for _, b := range req.Buckets {
		fmt.Fprintf(&sb, "\n=== %s %s ===\n", b.Tier, b.ID)
		if b.Summary != nil {
			sb.WriteString("Summary: " + b.Summary.Text + "\n")
			if len(b.Summary.Highlights) > 0 {
				sb.WriteString("Highlights: " + strings.Join(b.Summary.Highlights, "; ") + "\n")
			}
		}
		for _, e := range b.Entries {
			score := ""
			if t := e.ScoreTotal(); t >= 0 {
				score = fmt.Sprintf(" (importance %d)", t)
			}
			fmt.Fprintf(&sb, "[%s] %s%s: %s\n", e.Timestamp.Format("2006-01-02 15:04"), e.Speaker, score, e.Text)
		}
	}
	return sb.String()
}

const rankSystemPrompt = `You select which memory buckets are relevant to a user's query.
Respond with a single JSON array of bucket IDs, most relevant first, and nothing else.
Include only buckets that plausibly help answer the query. An empty array is a valid answer.`

func rankPrompt(req memory.RankRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n\nCandidates:\n", req.Query)
	for _, c := range req.Candidates {
		fmt.Fprintf(&sb, "- %s (%s, starts %s", c.BucketID, c.Tier, c.PeriodStart.Format("2006-01-02"))
		if len(c.Themes) > 0 {
			fmt.Fprintf(&sb, ", themes: %s", strings.Join(c.Themes, ", "))
		}
		sb.WriteString(")\n")
	}
	return sb.String()
}
