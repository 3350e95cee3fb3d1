package twiml

import (
	"encoding/xml"
	"strings"
	"testing"
)

// parsedResponse mirrors the rendered document for round-trip checks.
// Say collects both the spoken message and the Gather fallback goodbye.
type parsedResponse struct {
	XMLName xml.Name `xml:"Response"`
	Say     []struct {
		Voice string `xml:"voice,attr"`
		Text  string `xml:",chardata"`
	} `xml:"Say"`
	Gather *struct {
		Input         string `xml:"input,attr"`
		Timeout       int    `xml:"timeout,attr"`
		SpeechTimeout int    `xml:"speechTimeout,attr"`
		Action        string `xml:"action,attr"`
		Method        string `xml:"method,attr"`
	} `xml:"Gather"`
	Hangup *struct{} `xml:"Hangup"`
}

func parse(t *testing.T, doc string) parsedResponse {
	t.Helper()
	var p parsedResponse
	if err := xml.Unmarshal([]byte(doc), &p); err != nil {
		t.Fatalf("rendered document is not well-formed XML: %v\n%s", err, doc)
	}
	return p
}

func TestContinue(t *testing.T) {
	doc := Continue("How was your experience?", "https://example.com/call-response/42")

	if !strings.HasPrefix(doc, xml.Header) {
		t.Error("document should start with XML declaration")
	}

	p := parse(t, doc)

	if len(p.Say) != 2 {
		t.Fatalf("Say count = %d, want 2 (message + gather fallback)", len(p.Say))
	}
	if p.Say[0].Text != "How was your experience?" {
		t.Errorf("spoken message = %q", p.Say[0].Text)
	}
	if p.Say[0].Voice != "Polly.Joanna" {
		t.Errorf("voice = %q, want Polly.Joanna", p.Say[0].Voice)
	}
	if p.Say[1].Text != "Thank you for your time. Goodbye!" {
		t.Errorf("fallback say = %q", p.Say[1].Text)
	}

	if p.Gather == nil {
		t.Fatal("document should contain a Gather")
	}
	if p.Gather.Input != "speech" {
		t.Errorf("Gather input = %q, want speech", p.Gather.Input)
	}
	if p.Gather.Timeout != 8 {
		t.Errorf("Gather timeout = %d, want 8", p.Gather.Timeout)
	}
	if p.Gather.SpeechTimeout != 2 {
		t.Errorf("Gather speechTimeout = %d, want 2", p.Gather.SpeechTimeout)
	}
	if p.Gather.Action != "https://example.com/call-response/42" {
		t.Errorf("Gather action = %q", p.Gather.Action)
	}
	if p.Gather.Method != "POST" {
		t.Errorf("Gather method = %q, want POST", p.Gather.Method)
	}

	if p.Hangup == nil {
		t.Error("document should end with Hangup after the gather fallback")
	}

	// The Gather must come before the fallback goodbye.
	if strings.Index(doc, "<Gather") > strings.Index(doc, "Thank you for your time. Goodbye!") {
		t.Error("Gather should precede the fallback goodbye")
	}
}

func TestHangup(t *testing.T) {
	doc := Hangup("Thank you, have a good day!")
	p := parse(t, doc)

	if len(p.Say) != 1 {
		t.Fatalf("Say count = %d, want 1", len(p.Say))
	}
	if p.Say[0].Text != "Thank you, have a good day!" {
		t.Errorf("spoken message = %q", p.Say[0].Text)
	}
	if p.Gather != nil {
		t.Error("hangup document should not contain a Gather")
	}
	if p.Hangup == nil {
		t.Error("document should contain Hangup")
	}
}

func TestError(t *testing.T) {
	doc := Error("Sorry, an error occurred")
	p := parse(t, doc)

	if len(p.Say) != 1 {
		t.Fatalf("Say count = %d, want 1", len(p.Say))
	}
	if p.Say[0].Text != "Sorry, an error occurred. Goodbye!" {
		t.Errorf("spoken message = %q", p.Say[0].Text)
	}
	if p.Hangup == nil {
		t.Error("document should contain Hangup")
	}
}

func TestEveryDocumentSpeaks(t *testing.T) {
	// Each kind must carry at least one Say: a document that hangs up
	// without speaking leaves the caller in dead air.
	for name, doc := range map[string]string{
		"continue": Continue("hello there", "https://example.com/cb"),
		"hangup":   Hangup("goodbye now"),
		"error":    Error("Sorry, an error occurred"),
	} {
		t.Run(name, func(t *testing.T) {
			p := parse(t, doc)
			if len(p.Say) == 0 {
				t.Fatalf("no Say element rendered:\n%s", doc)
			}
			if p.Hangup == nil && p.Gather == nil {
				t.Errorf("document has no terminal verb:\n%s", doc)
			}
		})
	}

	// Verb order in the continue document: message, gather, fallback, hangup.
	doc := Continue("first question", "https://example.com/cb")
	sayIdx := strings.Index(doc, "first question")
	gatherIdx := strings.Index(doc, "<Gather")
	fallbackIdx := strings.Index(doc, "Thank you for your time. Goodbye!")
	hangupIdx := strings.Index(doc, "<Hangup")
	if !(sayIdx < gatherIdx && gatherIdx < fallbackIdx && fallbackIdx < hangupIdx) {
		t.Errorf("verbs out of order (say=%d gather=%d fallback=%d hangup=%d):\n%s",
			sayIdx, gatherIdx, fallbackIdx, hangupIdx, doc)
	}
}

func TestSpecialCharacterEscaping(t *testing.T) {
	message := `Tom & Jerry <say> it's "fine" > really`

	for name, doc := range map[string]string{
		"continue": Continue(message, "https://example.com/cb"),
		"hangup":   Hangup(message),
	} {
		t.Run(name, func(t *testing.T) {
			p := parse(t, doc)
			if p.Say[0].Text != message {
				t.Errorf("round-trip = %q, want %q", p.Say[0].Text, message)
			}
			// Raw special characters must not appear unescaped in the body.
			body := doc[strings.Index(doc, "<Say"):]
			if strings.Contains(body, "Tom & Jerry") {
				t.Error("ampersand should be escaped")
			}
			if strings.Contains(body, "<say>") {
				t.Error("angle brackets should be escaped")
			}
		})
	}
}
