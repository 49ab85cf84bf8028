package conversation

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Experience levels
const (
	LevelBeginner     = "beginner"
	LevelIntermediate = "intermediate"
	LevelExpert       = "expert"
)

const wordsPerMinute = 150

var acknowledgments = map[string]string{
	IntentCreateProject: "Great idea! ",
	IntentModifyDesign:  "Sure, let's adjust that. ",
	IntentAddSection:    "Good call. ",
	IntentCloneWebsite:  "Got it. ",
	IntentDeploy:        "Exciting! ",
	IntentExport:        "No problem. ",
	IntentHelp:          "Happy to help. ",
}

// complexIntents may earn an encouragement phrase
var complexIntents = map[string]bool{
	IntentCreateProject: true,
	IntentCloneWebsite:  true,
	IntentDeploy:        true,
}

var encouragements = []string{
	" You're doing great!",
	" This is coming together nicely.",
	" Nice progress so far.",
}

type substitution struct {
	re   *regexp.Regexp
	with string
}

// beginnerTerms order matters for overlapping words
var beginnerTerms = []substitution{
	{regexp.MustCompile(`(?i)\bdeployment\b`), "publishing"},
	{regexp.MustCompile(`(?i)\bdeploy\b`), "publish"},
	{regexp.MustCompile(`(?i)\bresponsive\b`), "mobile-friendly"},
	{regexp.MustCompile(`\bCSS\b`), "styling"},
	{regexp.MustCompile(`\bHTML\b`), "page structure"},
	{regexp.MustCompile(`(?i)\brepository\b`), "project folder"},
	{regexp.MustCompile(`\bDNS\b`), "domain settings"},
	{regexp.MustCompile(`\bSEO\b`), "search visibility"},
}

var (
	acronymPattern  = regexp.MustCompile(`\b(API|URL|SEO|CSS|HTML|UI|UX|AI)\b`)
	emphasisPattern = regexp.MustCompile(`(?i)\b(important|really|very|amazing|great|must|never|always|perfect)\b`)
	sentenceEnd     = regexp.MustCompile(`([.!?])(\s|$)`)
)

// Prosody SSML prosody attributes
type Prosody struct {
	Rate   string `json:"rate"`
	Pitch  string `json:"pitch"`
	Volume string `json:"volume"`
}

var prosodyPresets = map[string]Prosody{
	EmotionHappy:     {Rate: "105%", Pitch: "+5%", Volume: "medium"},
	EmotionConcerned: {Rate: "95%", Pitch: "-3%", Volume: "soft"},
	EmotionNeutral:   {Rate: "100%", Pitch: "+0%", Volume: "medium"},
}

// ProsodyFor returns the preset for an emotion, neutral when unknown
func ProsodyFor(emotion string) Prosody {
	if p, ok := prosodyPresets[emotion]; ok {
		return p
	}
	return prosodyPresets[EmotionNeutral]
}

// Personality shapes raw model text before it is spoken
type Personality struct {
	level         string
	encourageRate float64

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewPersonality creates a personality; src may be nil
func NewPersonality(level string, encourageRate float64, src rand.Source) *Personality {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Personality{level: level, encourageRate: encourageRate, rnd: rand.New(src)}
}

// Shape prefixes an acknowledgment, simplifies terms for beginners and
// occasionally appends encouragement
func (p *Personality) Shape(text, intent string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return text
	}

	if ack, ok := acknowledgments[intent]; ok && !strings.HasPrefix(text, strings.TrimSpace(ack)) {
		text = ack + text
	}
	if p.level == LevelBeginner {
		for _, s := range beginnerTerms {
			text = s.re.ReplaceAllString(text, s.with)
		}
	}
	if complexIntents[intent] && p.encourageRate > 0 {
		p.mu.Lock()
		roll := p.rnd.Float64()
		pick := p.rnd.Intn(len(encouragements))
		p.mu.Unlock()
		if roll < p.encourageRate {
			text += encouragements[pick]
		}
	}
	return text
}

// BuildSSML renders text as SSML wrapped in the prosody for the emotion
func BuildSSML(text, emotion string) string {
	var escaped bytes.Buffer
	_ = xml.EscapeText(&escaped, []byte(text))
	body := escaped.String()

	body = acronymPattern.ReplaceAllString(body, `<say-as interpret-as="characters">$1</say-as>`)
	body = emphasisPattern.ReplaceAllString(body, `<emphasis level="moderate">$1</emphasis>`)
	body = sentenceEnd.ReplaceAllString(body, `$1<break time="300ms"/>$2`)

	p := ProsodyFor(emotion)
	return fmt.Sprintf(`<speak><prosody rate="%s" pitch="%s" volume="%s">%s</prosody></speak>`,
		p.Rate, p.Pitch, p.Volume, body)
}

// EstimateDuration assumes a steady speaking rate
func EstimateDuration(text string) time.Duration {
	words := len(strings.Fields(text))
	return time.Duration(words) * time.Minute / wordsPerMinute
}
