package synth

import (
	"regexp"
	"strings"
)

const capabilitiesText = `I can help you with your transactions:

📊 **Transaction analysis**
• Find your top expenses
• Totals for a category or a time period
• Spending broken down by category, with percentages
• Your single largest transaction

📈 **Insights**
• Spending patterns and habits
• Unusual or large transactions

Try "show my top 5 expenses last month" or "how much did I spend on food this month".`

const (
	noDataText      = "I couldn't find any transactions matching that. Try adjusting the category or date range."
	noDocumentsText = "I couldn't find any transactions related to that. Try asking about a specific category, merchant or period."
	genericFailure  = "Sorry, something went wrong while answering that. Please try again."
)

type cannedReply struct {
	match    *regexp.Regexp
	first    string
	returner string
}

func phrase(alts ...string) *regexp.Regexp {
	return regexp.MustCompile(`\b(?:` + strings.Join(alts, "|") + `)\b`)
}

// Order matters: the first match wins.
var cannedReplies = []cannedReply{
	{
		match:    phrase(`good morning`),
		first:    "Good morning! I'm your financial assistant. How can I help with your finances today?",
		returner: "Good morning, and welcome back! Ready to dive into your transactions again?",
	},
	{
		match: phrase(`good afternoon`),
		first: "Good afternoon! What would you like to know about your spending?",
	},
	{
		match: phrase(`good evening`),
		first: "Good evening! Ready to review your finances? What can I help you with?",
	},
	{
		match: phrase(`my name`, `who am i`),
		first: "I don't have access to personal details like your name. I only work with your transaction data to " +
			"analyze spending, track expenses and share insights. What would you like to know about your finances?",
	},
	{
		match: phrase(`what can you do`, `help`, `capabilities`),
		first: capabilitiesText,
	},
	{
		match: phrase(`thanks`, `thank you`, `thx`),
		first: "You're welcome! Anything else you'd like to know about your finances?",
	},
	{
		match: phrase(`bye`, `goodbye`, `see you`, `talk later`),
		first: "Goodbye! Come back anytime you want to look at your finances.",
	},
	{
		match: phrase(`ok`, `okay`, `cool`, `nice`, `great`, `awesome`),
		first: "Great! What would you like to know about your finances?",
	},
	{
		match:    phrase(`hi`, `hello`, `hey`, `hiya`),
		first:    "Hello! I'm your financial assistant. I can analyze your expenses, track spending patterns and answer questions about your transactions. What would you like to explore?",
		returner: "Hello again! What financial question can I help you with today?",
	},
}

// Canned returns the fixed reply for a conversational query. It never calls out.
func Canned(query string, returning bool) string {
	q := strings.ToLower(strings.TrimSpace(query))
	for _, r := range cannedReplies {
		if !r.match.MatchString(q) {
			continue
		}
		if returning && r.returner != "" {
			return r.returner
		}
		return r.first
	}
	return "I'm here to help with your financial questions! What would you like to know?"
}
