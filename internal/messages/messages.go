// Package messages holds the fixed farmer-facing texts per locale.
package messages

import (
	"fmt"
	"strings"
)

const DefaultLocale = "ml"

type catalog struct {
	language        string
	fallback        string
	acknowledgement string
	disclaimer      string
	imageDisease    string
	imageHealthy    string
}

var catalogs = map[string]catalog{
	"ml": {
		language:        "Malayalam",
		fallback:        "ക്ഷമിക്കുക, ഇപ്പോൾ ഉത്തരം നൽകാൻ കഴിയില്ല. ദയവായി കൃഷിഭവൻ ഉദ്യോഗസ്ഥനെ സമീപിക്കുക.",
		acknowledgement: "നിങ്ങളുടെ ചോദ്യം കൃഷിഭവൻ ഉദ്യോഗസ്ഥന് അയച്ചു. ഉടനെ മറുപടി ലഭിക്കും.",
		disclaimer:      "ഈ ഉപദേശം ഉറപ്പാക്കാൻ അടുത്തുള്ള കൃഷിഭവനുമായി ബന്ധപ്പെടുക.",
		imageDisease:    "എന്റെ വിളയിൽ %s രോഗം ഉണ്ടെന്ന് തോന്നുന്നു. എന്ത് ചെയ്യണം?",
		imageHealthy:    "എന്റെ വിള ആരോഗ്യമുള്ളതായി തോന്നുന്നു. പരിപാലനത്തിന് എന്ത് ചെയ്യണം?",
	},
	"en": {
		language:        "English",
		fallback:        "Sorry, we cannot answer this right now. Please consult your Krishi Bhavan officer.",
		acknowledgement: "Your question has been sent to a Krishi Bhavan officer. You will receive a reply soon.",
		disclaimer:      "Please confirm this advice with your nearest Krishi Bhavan before applying it.",
		imageDisease:    "My crop seems to have %s disease. What should I do?",
		imageHealthy:    "My crop looks healthy. How should I keep it that way?",
	},
}

// Supported reports whether locale has its own message catalog.
func Supported(locale string) bool {
	_, ok := catalogs[locale]
	return ok
}

func lookup(locale string) catalog {
	if c, ok := catalogs[locale]; ok {
		return c
	}
	return catalogs[DefaultLocale]
}

// Language names the response language for generation prompts.
func Language(locale string) string { return lookup(locale).language }

// Fallback is the generic "please consult an officer" answer.
func Fallback(locale string) string { return lookup(locale).fallback }

// Acknowledgement tells the farmer the query went to an officer.
func Acknowledgement(locale string) string { return lookup(locale).acknowledgement }

// Disclaimer accompanies moderate-confidence answers.
func Disclaimer(locale string) string { return lookup(locale).disclaimer }

// ImageQuery turns a detector label such as "rice_blast" into a canonical
// question.
func ImageQuery(locale, label string) string {
	c := lookup(locale)
	if label == "" || label == "healthy" {
		return c.imageHealthy
	}
	return fmt.Sprintf(c.imageDisease, strings.ReplaceAll(label, "_", " "))
}
