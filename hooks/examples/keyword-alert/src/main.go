//go:build tinygo || wasm

package main

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/loqalabs/loqa-scribe/hooks/examples/internal/host"
)

type transcript struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Partial   bool   `json:"partial"`
}

type alert struct {
	SessionID string `json:"session_id"`
	Keyword   string `json:"keyword"`
	Text      string `json:"text"`
}

//export run
func run() {
	evt := host.CurrentEvent()
	if len(evt.Payload) == 0 {
		host.Log("no transcript in event payload")
		return
	}
	var tr transcript
	if err := json.Unmarshal(evt.Payload, &tr); err != nil {
		host.Log("failed to decode transcript: " + err.Error())
		return
	}

	text := strings.ToLower(tr.Text)
	for _, kw := range keywords() {
		if !strings.Contains(text, kw) {
			continue
		}
		data, err := json.Marshal(alert{SessionID: tr.SessionID, Keyword: kw, Text: tr.Text})
		if err != nil {
			return
		}
		if !host.Publish("scribe.alert.keyword", data) {
			host.Log("alert publish rejected")
		}
		return
	}
}

func keywords() []string {
	raw := os.Getenv("KEYWORDS")
	if raw == "" {
		raw = "help"
	}
	var out []string
	for _, kw := range strings.Split(raw, ",") {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

func main() {}
