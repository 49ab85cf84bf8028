package conversation

import (
	"regexp"
	"strings"

	"github.com/code-100-precent/LingEcho-gateway/pkg/session"
)

// Intent names
const (
	IntentCreateProject   = "create_project"
	IntentModifyDesign    = "modify_design"
	IntentAddSection      = "add_section"
	IntentCloneWebsite    = "clone_website"
	IntentDeploy          = "deploy"
	IntentExport          = "export"
	IntentHelp            = "help"
	IntentNavigation      = "navigation"
	IntentGeneral         = "general"
	IntentGeneralResponse = "general_response"
)

// Emotion names
const (
	EmotionHappy     = "happy"
	EmotionConcerned = "concerned"
	EmotionNeutral   = "neutral"
)

// Entity types
const (
	EntityURL         = "url"
	EntityColor       = "color"
	EntitySectionType = "section_type"
	EntityIndustry    = "industry"
)

const (
	generalConfidence = 0.5
	sentimentStep     = 0.25
	emotionThreshold  = 0.3
)

type intentRule struct {
	name   string
	groups []*regexp.Regexp
}

// rules are evaluated in order; ties resolve to the earlier rule
var rules = []intentRule{
	{IntentCreateProject, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(create|build|make|start|generate)\b`),
		regexp.MustCompile(`(?i)\b(websites?|sites?|apps?|applications?|landing pages?|stores?|portfolios?)\b`),
	}},
	{IntentModifyDesign, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(change|update|modify|edit|adjust|tweak)\b`),
		regexp.MustCompile(`(?i)\b(colou?rs?|fonts?|styles?|styling|layouts?|themes?|backgrounds?)\b`),
	}},
	{IntentAddSection, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(add|insert|include|append)\b`),
		regexp.MustCompile(`(?i)\b(sections?|components?|blocks?|widgets?)\b`),
	}},
	{IntentCloneWebsite, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(clone|copy|replicate|duplicate)\b`),
		regexp.MustCompile(`(?i)(\b(websites?|sites?|pages?)\b|https?://|www\.)`),
	}},
	{IntentDeploy, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(deploy|publish|launch|go live)\b`),
	}},
	{IntentExport, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(export|download)\b`),
	}},
	{IntentHelp, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(help|how|what)\b`),
	}},
	{IntentNavigation, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(show|open|navigate|go to)\b`),
	}},
}

var (
	urlPattern      = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"']+`)
	hexColorPattern = regexp.MustCompile(`#(?:[0-9a-fA-F]{6}|[0-9a-fA-F]{3})\b`)
	namedColors     = keywordPattern("red", "blue", "green", "yellow", "orange", "purple", "pink", "black",
		"white", "gray", "grey", "navy", "teal", "gold", "silver", "beige", "brown")
	sectionTypes = keywordPattern("header", "footer", "hero", "about", "contact", "pricing", "testimonials",
		"gallery", "faq", "features", "team", "blog", "navbar", "services", "newsletter")
	industries = keywordPattern("restaurant", "bakery", "cafe", "coffee shop", "law firm", "dental", "fitness",
		"gym", "real estate", "ecommerce", "e-commerce", "photography", "salon", "saas", "agency",
		"nonprofit", "healthcare", "education", "consulting")
)

var (
	positiveWords = wordSet("great", "good", "love", "awesome", "amazing", "excellent", "nice", "perfect",
		"beautiful", "thanks", "thank", "happy", "wonderful", "cool", "fantastic", "like")
	negativeWords = wordSet("bad", "hate", "ugly", "terrible", "awful", "wrong", "broken", "problem",
		"issue", "confused", "frustrated", "annoying", "slow", "worse", "error", "stuck")
	wordSplitter = regexp.MustCompile(`[a-zA-Z']+`)
)

func keywordPattern(words ...string) *regexp.Regexp {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
}

func wordSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// Analysis is the deterministic reading of one user utterance
type Analysis struct {
	Intent     string           `json:"intent"`
	Confidence float64          `json:"confidence"`
	Entities   []session.Entity `json:"entities"`
	Sentiment  float64          `json:"sentiment"`
	Emotion    string           `json:"emotion"`
}

// Analyze classifies intent, extracts entities and scores sentiment
func Analyze(text string) Analysis {
	intent, confidence := ClassifyIntent(text)
	sentiment := ScoreSentiment(text)
	return Analysis{
		Intent:     intent,
		Confidence: confidence,
		Entities:   ExtractEntities(text),
		Sentiment:  sentiment,
		Emotion:    EmotionFor(sentiment),
	}
}

// ClassifyIntent returns the best scoring intent. An intent qualifies when a
// majority of its pattern groups match; confidence is the matched fraction.
func ClassifyIntent(text string) (string, float64) {
	best, bestScore := IntentGeneral, 0.0
	for _, rule := range rules {
		matched := 0
		for _, g := range rule.groups {
			if g.MatchString(text) {
				matched++
			}
		}
		if matched < len(rule.groups)/2+1 {
			continue
		}
		score := float64(matched) / float64(len(rule.groups))
		if score > bestScore {
			best, bestScore = rule.name, score
		}
	}
	if best == IntentGeneral {
		return IntentGeneral, generalConfidence
	}
	return best, bestScore
}

// ExtractEntities scans for urls, colors, section types and industries
func ExtractEntities(text string) []session.Entity {
	var out []session.Entity

	for _, loc := range urlPattern.FindAllStringIndex(text, -1) {
		value := strings.TrimRight(text[loc[0]:loc[1]], ".,;:!?)]}")
		out = append(out, session.Entity{
			Type:       EntityURL,
			Value:      value,
			Confidence: 0.95,
			Span:       session.Span{Start: loc[0], End: loc[0] + len(value)},
		})
	}
	out = appendMatches(out, text, hexColorPattern, EntityColor, 0.9, false)
	out = appendMatches(out, text, namedColors, EntityColor, 0.9, true)
	out = appendMatches(out, text, sectionTypes, EntitySectionType, 0.85, true)
	out = appendMatches(out, text, industries, EntityIndustry, 0.8, true)
	return out
}

func appendMatches(out []session.Entity, text string, re *regexp.Regexp, typ string, confidence float64, lower bool) []session.Entity {
	for _, loc := range re.FindAllStringIndex(text, -1) {
		if insideURL(out, loc[0]) {
			continue
		}
		value := text[loc[0]:loc[1]]
		if lower {
			value = strings.ToLower(value)
		}
		out = append(out, session.Entity{
			Type:       typ,
			Value:      value,
			Confidence: confidence,
			Span:       session.Span{Start: loc[0], End: loc[1]},
		})
	}
	return out
}

// insideURL keeps keywords that are part of a url from being reported twice
func insideURL(entities []session.Entity, pos int) bool {
	for _, e := range entities {
		if e.Type == EntityURL && pos >= e.Span.Start && pos < e.Span.End {
			return true
		}
	}
	return false
}

// ScoreSentiment adds a fixed step per positive word and subtracts one per
// negative word, clamped to [-1, 1]
func ScoreSentiment(text string) float64 {
	var score float64
	for _, w := range wordSplitter.FindAllString(strings.ToLower(text), -1) {
		if _, ok := positiveWords[w]; ok {
			score += sentimentStep
		}
		if _, ok := negativeWords[w]; ok {
			score -= sentimentStep
		}
	}
	if score > 1 {
		return 1
	}
	if score < -1 {
		return -1
	}
	return score
}

// EmotionFor maps a sentiment score to an emotion
func EmotionFor(sentiment float64) string {
	switch {
	case sentiment > emotionThreshold:
		return EmotionHappy
	case sentiment < -emotionThreshold:
		return EmotionConcerned
	default:
		return EmotionNeutral
	}
}
