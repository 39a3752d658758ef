package council

import (
	"fmt"
	"strings"
)

// RankingMessages builds the stage 2 prompt. Answers are presented under
// their anonymous labels in label order so no agent can recognise itself.
func RankingMessages(query string, results []Stage1Result) []Message {
	var answers strings.Builder
	for i, r := range results {
		if i > 0 {
			answers.WriteString("\n\n")
		}
		fmt.Fprintf(&answers, "%s:\n%s", Label(i), r.Response)
	}

	prompt := fmt.Sprintf(`You are evaluating different responses to the following question:

Question: %s

Here are the responses from different models (anonymized):

%s

Your task:
1. First, evaluate each response individually. For each response, explain what it does well and what it does poorly.
2. Then, at the very end of your response, provide a final ranking.

IMPORTANT: Your final ranking MUST be formatted EXACTLY as follows:
- Start with the line "%s" (all caps, with colon)
- Then list the responses from best to worst as a numbered list
- Each line should be: number, period, space, then ONLY the response label (e.g., "1. Response A")
- Do not add any other text or explanations in the ranking section

Example of the correct format for your ENTIRE response:

Response A provides good detail on X but misses Y...
Response B is accurate but lacks depth on Z...
Response C offers the most comprehensive answer...

%s
1. Response C
2. Response A
3. Response B

Now provide your evaluation and ranking:`, query, answers.String(), rankingMarker, rankingMarker)

	return []Message{{Role: "user", Content: prompt}}
}

// ChairmanMessages builds the stage 3 prompt from every answer and ranking.
func ChairmanMessages(query string, results []Stage1Result, rankings []Stage2Ranking) []Message {
	var answers strings.Builder
	for i, r := range results {
		if i > 0 {
			answers.WriteString("\n\n")
		}
		fmt.Fprintf(&answers, "Model: %s\nResponse: %s", r.Model, r.Response)
	}
	var evals strings.Builder
	for i, r := range rankings {
		if i > 0 {
			evals.WriteString("\n\n")
		}
		fmt.Fprintf(&evals, "Model: %s\nRanking: %s", r.Model, r.Ranking)
	}

	prompt := fmt.Sprintf(`You are the Chairman of an LLM Council. Multiple AI models have provided responses to a user's question, and then ranked each other's responses.

Original Question: %s

STAGE 1 - Individual Responses:
%s

STAGE 2 - Peer Rankings:
%s

Your task as Chairman is to synthesize all of this information into a single, comprehensive, accurate answer to the user's original question. Consider:
- The individual responses and their insights
- The peer rankings and what they reveal about response quality
- Any patterns of agreement or disagreement

Provide a clear, well-reasoned final answer that represents the council's collective wisdom:`, query, answers.String(), evals.String())

	return []Message{{Role: "user", Content: prompt}}
}

// TitleMessages builds the short title prompt for a conversation.
func TitleMessages(firstMessage string) []Message {
	prompt := fmt.Sprintf(`Generate a very short title (3-5 words maximum) that summarizes the following question.
The title should be concise and descriptive. Do not use quotes or punctuation in the title.

Question: %s

Title:`, firstMessage)
	return []Message{{Role: "user", Content: prompt}}
}
