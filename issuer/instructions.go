package issuer

import (
	"fmt"
	"strings"

	pkg "github.com/alipala/language-tutor-realtime"
	"github.com/goccy/go-yaml"
)

var levelGuidance = map[string]string{
	"A1": "Use very short sentences and the most common words. Speak slowly and repeat key words. Switch to the student's native language only when they are completely lost.",
	"A2": "Use short, simple sentences about everyday situations. Introduce at most one new word at a time and check it was understood.",
	"B1": "Use everyday vocabulary with some idioms. Ask open questions and encourage the student to explain their opinions.",
	"B2": "Speak at a natural pace. Use a wide vocabulary, push for longer answers and discuss abstract topics.",
	"C1": "Speak naturally, as with a fluent speaker. Use idioms and nuanced vocabulary and correct only subtle errors.",
	"C2": "Speak as with a native speaker. Discuss complex topics in depth and point out stylistic improvements.",
}

// languageCodes are the ISO-639-1 codes passed to input transcription.
var languageCodes = map[string]string{
	"arabic":     "ar",
	"chinese":    "zh",
	"dutch":      "nl",
	"english":    "en",
	"french":     "fr",
	"german":     "de",
	"italian":    "it",
	"japanese":   "ja",
	"korean":     "ko",
	"persian":    "fa",
	"polish":     "pl",
	"portuguese": "pt",
	"russian":    "ru",
	"spanish":    "es",
	"turkish":    "tr",
}

// LanguageCode returns the ISO-639-1 code of a language name, or "" when
// unknown.
func LanguageCode(language string) string {
	l := strings.ToLower(strings.TrimSpace(language))
	if code, ok := languageCodes[l]; ok {
		return code
	}
	if len(l) == 2 {
		return l
	}
	return ""
}

// Instructions builds the tutor system prompt for a session.
func Instructions(params pkg.SessionParameters) string {
	language := displayName(params.Language)
	level := strings.ToUpper(strings.TrimSpace(params.Level))

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are a friendly and patient %s tutor having a spoken conversation with a student at CEFR level %s.\n", language, level)
	fmt.Fprintf(&sb, "Speak only %s unless the student asks for a translation.\n", language)
	if guidance, ok := levelGuidance[level]; ok {
		sb.WriteString(guidance + "\n")
	}
	sb.WriteString("Keep your turns short so the student speaks more than you do. When the student makes a mistake, repeat the sentence correctly in a natural way and move on.\n")
	if strings.TrimSpace(params.ConversationHistory) == "" {
		sb.WriteString("Start the conversation by greeting the student.\n")
	}

	if topic := strings.TrimSpace(params.Topic); topic != "" {
		fmt.Fprintf(&sb, "\nConversation topic: %s.\n", topic)
	}
	if prompt := strings.TrimSpace(params.UserPrompt); prompt != "" {
		fmt.Fprintf(&sb, "\nThe student described what they want to practice:\n%s\n", prompt)
	}
	if params.AssessmentData != nil {
		if out, err := yaml.MarshalWithOptions(params.AssessmentData, yaml.UseJSONMarshaler()); err == nil {
			fmt.Fprintf(&sb, "\nResults of the student's speaking assessment. Focus on the weaker areas:\n%s", out)
		}
	}
	if research := strings.TrimSpace(params.ResearchData); research != "" {
		fmt.Fprintf(&sb, "\nBackground material for the topic:\n%s\n", research)
	}
	if history := strings.TrimSpace(params.ConversationHistory); history != "" {
		fmt.Fprintf(&sb, "\nThe connection dropped and was re-established. Continue the conversation from here without greeting again. Summary so far:\n%s\n", history)
	}
	return sb.String()
}

func displayName(language string) string {
	l := strings.TrimSpace(language)
	if l == "" {
		return l
	}
	return strings.ToUpper(l[:1]) + strings.ToLower(l[1:])
}
