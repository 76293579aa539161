package synth

import (
	"regexp"
	"strings"
)

var (
	uuidRe     = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	txnIDRe    = regexp.MustCompile(`(?i)\b(?:txn|tx|trans)[_-][a-z0-9_-]+\b`)
	scoreRe    = regexp.MustCompile(`(?i)\b(?:similarity|relevance|cosine|distance|score)(?:\s+score)?\s*[:=]?\s*-?\d+(?:\.\d+)?`)
	markerRe   = regexp.MustCompile(`(?i)\[(?:doc|document|source|ref|id)[^\]]*\]`)
	labelRe    = regexp.MustCompile(`(?i)\b(?:simple_response|data_query|knowledge_query|top_n|category_analysis|compare_max)\b`)
	idFieldRe  = regexp.MustCompile(`(?i)\b(?:transaction\s+)?id\s*[:=#]\s*\S+`)
	emptyParRe = regexp.MustCompile(`\(\s*[,;]?\s*\)`)
	spacesRe   = regexp.MustCompile(`[ \t]{2,}`)
	spacePunct = regexp.MustCompile(`[ \t]+([,.;:!?])`)
)

// Scrub removes internal identifiers, scores, routing labels and document
// markers from model-written text. ids are the transaction ids the answer was built from.
func Scrub(text string, ids []string) string {
	for _, id := range ids {
		if len(id) >= 4 {
			text = strings.ReplaceAll(text, id, "")
		}
	}
	for _, re := range []*regexp.Regexp{markerRe, idFieldRe, uuidRe, txnIDRe, scoreRe, labelRe} {
		text = re.ReplaceAllString(text, "")
	}
	text = emptyParRe.ReplaceAllString(text, "")

	lines := strings.Split(text, "\n")
	for i, l := range lines {
		l = spacesRe.ReplaceAllString(l, " ")
		l = spacePunct.ReplaceAllString(l, "$1")
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
