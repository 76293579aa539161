package intent

import (
	"fmt"
	"strings"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/finance-assistant/internal/domain"
)

func systemPrompt(today civil.Date) string {
	cats := make([]string, len(domain.Categories))
	for i, c := range domain.Categories {
		cats[i] = string(c)
	}

	return "You route questions for a personal finance assistant.\n\n" +
		"Pick exactly one intent:\n" +
		"- \"simple_response\": greetings, thanks, goodbyes, help, small talk.\n" +
		"- \"data_query\": questions answered by exact arithmetic over transactions.\n" +
		"- \"knowledge_query\": open questions about habits, patterns, unusual activity or advice.\n\n" +
		"For data_query pick one operation:\n" +
		"- \"top_n\": largest N transactions (set limit).\n" +
		"- \"total\": how much was spent or earned.\n" +
		"- \"category_analysis\": breakdown of spending by category.\n" +
		"- \"compare_max\": the single largest transaction.\n\n" +
		"Categories: " + strings.Join(cats, ", ") + ".\n" +
		"Dates: use date_preset for relative periods (" + strings.Join(Presets, ", ") + ") " +
		"or start_date/end_date for explicit ones. Today is " + today.String() + ".\n" +
		"Use direction \"debit\" for spending and \"credit\" for income.\n" +
		"Leave a field out when the question does not mention it.\n" +
		"Use previous turns only to resolve follow-ups such as \"what about last month\".\n"
}

func userPrompt(query string, recent []domain.ConversationTurn) string {
	var b strings.Builder
	for _, t := range recent {
		label := string(t.Intent)
		if t.Operation != "" {
			label += "/" + string(t.Operation)
		}
		fmt.Fprintf(&b, "Previous: %q -> %s\n", t.Query, label)
	}
	fmt.Fprintf(&b, "Question: %q\n", query)
	return b.String()
}
