package extract

import (
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/bdobrica/kokoro/internal/kokoro/schema"
)

// stop ends a captured value at punctuation, a conjunction or end of text.
const stop = `(?:\s+(?:and|but|with|since|because|for|so)\b|[.,!?;]|$)`

// factRule maps a label to the patterns that capture its value in group 1.
type factRule struct {
	label    string
	patterns []*regexp.Regexp
}

// keywordGroup is a label with the phrases that select it.
type keywordGroup struct {
	label   string
	pattern *regexp.Regexp
}

// Keyword is the regex and keyword-list Extractor.
type Keyword struct {
	facts        []factRule
	family       *regexp.Regexp
	relationship []keywordGroup
	tone         []keywordGroup
	events       []*regexp.Regexp
}

// NewKeyword returns the default keyword extractor. Group order is
// precedence: the first matching group wins.
func NewKeyword() *Keyword {
	return &Keyword{
		facts: []factRule{
			{"location", []*regexp.Regexp{
				regexp.MustCompile(`(?i)\bi\s+(?:live|am living|'m living|am based|'m based)\s+in\s+([a-z][a-z .'-]*?)` + stop),
				regexp.MustCompile(`(?i)\bi(?:\s+am|'m)\s+from\s+([a-z][a-z .'-]*?)` + stop),
			}},
			{"age", []*regexp.Regexp{
				regexp.MustCompile(`(?i)\bi(?:\s+am|'m)\s+(\d{1,3})(?:\s*(?:years?|yrs?)\s*old\b|\s*[.,!?]|$)`),
				regexp.MustCompile(`(?i)\bmy age is\s+(\d{1,3})\b`),
			}},
			{"name", []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(?:my name is|my name's|call me|i am called|i'm called)\s+([a-z][a-z'-]*)`),
			}},
			{"birthday", []*regexp.Regexp{
				regexp.MustCompile(`(?i)\bmy birthday is\s+(?:on\s+)?([a-z0-9][a-z0-9 ]*?)` + stop),
				regexp.MustCompile(`(?i)\bi was born on\s+([a-z0-9][a-z0-9 ]*?)` + stop),
			}},
			{"occupation", []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(?:i work as|my job is|i am employed as|i'm employed as)\s+(?:an?\s+)?([a-z][a-z -]*?)(?:\s+(?:at|in|and|but|for|since)\b|[.,!?;]|$)`),
			}},
			{"hobby", []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(?:my hobby is|my hobbies are|i enjoy|in my free time i(?:\s+like to|\s+love to)?)\s+([a-z][a-z -]*?)` + stop),
			}},
		},
		family: regexp.MustCompile(`(?i:\bmy\s+(mom|mum|mother|dad|father|sister|brother|wife|husband|son|daughter|grandma|grandmother|grandpa|grandfather)(?:'s name is|\s+is named|\s+is called|\s+named|\s+called))\s+([A-Z][a-z]+)`),
		relationship: []keywordGroup{
			{"best friend", regexp.MustCompile(`(?i)\b(?:best friends?|bestie|closest friend)\b`)},
			{"close friend", regexp.MustCompile(`(?i)\b(?:close friends?|really close|i trust you|glad we're close)\b`)},
			{"friend", regexp.MustCompile(`(?i)\b(?:friends?|buddy|pal)\b`)},
			{"romantic", regexp.MustCompile(`(?i)\b(?:i love you|my love|darling|sweetheart|crush on you)\b`)},
			{"stranger", regexp.MustCompile(`(?i)\b(?:strangers?|just met|don't know you|barely know)\b`)},
		},
		tone: []keywordGroup{
			{"playful", regexp.MustCompile(`(?i)(?:\bhaha\w*|\blol\b|\bteas(?:e|ing)\b|\bsilly\b|\bjust kidding\b|;\))`)},
			{"serious", regexp.MustCompile(`(?i)\b(?:seriously|important|honestly|concerned|worried about)\b`)},
			{"romantic", regexp.MustCompile(`(?i)\b(?:love|darling|my heart|kiss)\b`)},
			{"supportive", regexp.MustCompile(`(?i)(?:\bhere for you\b|\byou can do\b|\bproud of you\b|\bit's okay\b|\bi support\b)`)},
			{"enthusiastic", regexp.MustCompile(`(?i)\b(?:amazing|awesome|so excited|wow|fantastic)\b`)},
		},
		events: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(?:i|we)\s+((?:went to|visited|attended)\s+(?:the\s+|a\s+|my\s+)?[a-z][a-z '-]*?)` + stop),
			regexp.MustCompile(`(?i)\bi\s+((?:felt|feel|am feeling|'m feeling)\s+(?:so\s+|really\s+|very\s+)?(?:happy|sad|excited|nervous|anxious|proud|lonely|angry|scared|grateful))\b`),
			regexp.MustCompile(`(?i)\bi\s+((?:got|passed|won|finished|graduated|achieved|completed)\s+(?:from\s+)?(?:the\s+|a\s+|an\s+|my\s+)?[a-z][a-z '-]*?)` + stop),
			regexp.MustCompile(`(?i)\bi\s+((?:started|began|am starting|'m starting)\s+(?:the\s+|a\s+|an\s+|my\s+)?[a-z][a-z '-]*?)` + stop),
		},
	}
}

type positioned struct {
	at   int
	fact string
}

// Facts implements Extractor. Every match of every rule is emitted, ordered
// by its position in the utterance.
func (k *Keyword) Facts(userText string) []string {
	var found []positioned
	for _, rule := range k.facts {
		for _, re := range rule.patterns {
			for _, m := range re.FindAllStringSubmatchIndex(userText, -1) {
				value := clean(userText[m[2]:m[3]])
				if value == "" {
					continue
				}
				found = append(found, positioned{m[0], rule.label + ": " + value})
			}
		}
	}
	for _, m := range k.family.FindAllStringSubmatchIndex(userText, -1) {
		relation := familyLabel(strings.ToLower(userText[m[2]:m[3]]))
		found = append(found, positioned{m[0], relation + ": " + userText[m[4]:m[5]]})
	}

	slices.SortStableFunc(found, func(a, b positioned) int { return a.at - b.at })
	var facts []string
	for _, p := range found {
		if !slices.Contains(facts, p.fact) {
			facts = append(facts, p.fact)
		}
	}
	return facts
}

// Relationship implements Extractor.
func (k *Keyword) Relationship(companionText string) (string, bool) {
	return firstGroup(k.relationship, companionText)
}

// Tone implements Extractor.
func (k *Keyword) Tone(companionText string) (string, bool) {
	return firstGroup(k.tone, companionText)
}

// KeyEvent implements Extractor. The first matching event pattern wins.
func (k *Keyword) KeyEvent(userText, companionText string, now time.Time) (schema.KeyEvent, bool) {
	text := userText + " " + companionText
	for _, re := range k.events {
		if m := re.FindStringSubmatch(text); m != nil {
			desc := strings.ToLower(clean(m[1]))
			if desc == "" {
				continue
			}
			return schema.KeyEvent{Timestamp: now, Description: desc}, true
		}
	}
	return schema.KeyEvent{}, false
}

func firstGroup(groups []keywordGroup, text string) (string, bool) {
	for _, g := range groups {
		if g.pattern.MatchString(text) {
			return g.label, true
		}
	}
	return "", false
}

func familyLabel(rel string) string {
	switch rel {
	case "mom", "mum":
		return "mother"
	case "dad":
		return "father"
	case "grandma":
		return "grandmother"
	case "grandpa":
		return "grandfather"
	}
	return rel
}

func clean(s string) string {
	return strings.TrimSpace(strings.Join(strings.Fields(s), " "))
}

var _ Extractor = (*Keyword)(nil)
