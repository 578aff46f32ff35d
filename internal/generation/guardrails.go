package generation

import (
	"regexp"
	"strings"
)

var sensitiveTerms = []string{
	"diagnosis", "diagnose", "prescribed", "prescription",
	"treatment", "cure", "dosage", "medication",
	"surgery", "procedure", "terminal", "fatal",
	"overdose", "suicide", "self-harm",
}

var (
	advicePatterns = []*regexp.Regexp{
		regexp.MustCompile(`you should (take|stop|start|increase|decrease)`),
		regexp.MustCompile(`i recommend (taking|starting|stopping)`),
		regexp.MustCompile(`(take|use) \d+ (mg|ml|tablets|pills)`),
		regexp.MustCompile(`(increase|decrease|change) your (dose|dosage|medication)`),
	}
	disclaimerPatterns = []*regexp.Regexp{
		regexp.MustCompile(`consult.*(doctor|physician|healthcare|provider)`),
		regexp.MustCompile(`not (medical|professional) advice`),
		regexp.MustCompile(`speak (to|with).*(healthcare|medical|doctor)`),
	}
	groundingStopwords = map[string]struct{}{"this": {}, "that": {}, "with": {}, "from": {}}
)

const Disclaimer = "\n\n*Disclaimer: This information is for educational purposes only and should " +
	"not be considered medical advice. Please consult with a healthcare provider for personalized guidance.*"

// Review summarises the content checks run on a generated answer.
type Review struct {
	SensitiveTerms  int     `json:"sensitive_terms"`
	DirectAdvice    bool    `json:"direct_advice"`
	DisclaimerAdded bool    `json:"disclaimer_added"`
	GroundingRatio  float64 `json:"grounding_ratio"`
}

// Inspect checks an answer against its contexts and appends the disclaimer
// when medical content lacks one. It returns the possibly amended text.
func Inspect(answer string, contexts []string) (string, Review) {
	lower := strings.ToLower(answer)
	var r Review
	for _, term := range sensitiveTerms {
		if strings.Contains(lower, term) {
			r.SensitiveTerms++
		}
	}
	for _, re := range advicePatterns {
		if re.MatchString(lower) {
			r.DirectAdvice = true
			break
		}
	}
	if r.SensitiveTerms > 0 && !hasDisclaimer(lower) {
		answer += Disclaimer
		r.DisclaimerAdded = true
	}
	r.GroundingRatio = GroundingRatio(answer, contexts)
	return answer, r
}

func hasDisclaimer(lower string) bool {
	for _, re := range disclaimerPatterns {
		if re.MatchString(lower) {
			return true
		}
	}
	return false
}

// GroundingRatio is the share of answer sentences (10+ characters) whose
// significant words appear in the contexts more than 30% of the time. An
// answer with no qualifying sentences counts as fully grounded.
func GroundingRatio(answer string, contexts []string) float64 {
	if len(contexts) == 0 {
		return 0
	}
	contextText := strings.ToLower(strings.Join(contexts, " "))
	total, grounded := 0, 0
	for _, sentence := range strings.Split(answer, ".") {
		sentence = strings.TrimSpace(sentence)
		if len(sentence) < 10 {
			continue
		}
		total++
		terms := map[string]struct{}{}
		for _, w := range strings.Fields(strings.ToLower(sentence)) {
			if _, stop := groundingStopwords[w]; len(w) > 3 && !stop {
				terms[w] = struct{}{}
			}
		}
		if len(terms) == 0 {
			continue
		}
		overlap := 0
		for w := range terms {
			if strings.Contains(contextText, w) {
				overlap++
			}
		}
		if float64(overlap)/float64(len(terms)) > 0.3 {
			grounded++
		}
	}
	if total == 0 {
		return 1
	}
	return float64(grounded) / float64(total)
}

// Confidence blends grounding with retrieval quality:
// 0.5 × grounding + 0.5 × mean of the top three rerank scores.
func Confidence(grounding float64, topScores []float64) float64 {
	n := len(topScores)
	if n > 3 {
		n = 3
	}
	var mean float64
	if n > 0 {
		for _, s := range topScores[:n] {
			mean += s
		}
		mean /= float64(n)
	}
	return clamp01(0.5*grounding + 0.5*mean)
}

// RetrievalConfidence is used before any answer exists: the mean of the top
// three rerank scores.
func RetrievalConfidence(topScores []float64) float64 {
	return clamp01(2 * Confidence(0, topScores))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
