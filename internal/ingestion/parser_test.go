package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"pusdledger/internal/ingestion"
)

func rawJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestParsePriceRound(t *testing.T) {
	updatedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	payload := map[string]interface{}{
		"feed":              "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419",
		"round_id":          uint64(42),
		"answer":            "250000000000", // 2500 USD at 8 decimals
		"updated_at_us":     updatedAt.UnixMicro(),
		"answered_in_round": uint64(42),
	}

	pr, err := ingestion.ParsePriceRound(rawJSON(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if got := pr.Feed.Hex(); got != "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419" {
		t.Errorf("feed: got %s", got)
	}
	if pr.Round.RoundID != 42 {
		t.Errorf("round_id: got %d, want 42", pr.Round.RoundID)
	}
	if pr.Round.Answer.String() != "250000000000" {
		t.Errorf("answer: got %s, want 250000000000", pr.Round.Answer)
	}
	if !pr.Round.UpdatedAt.Equal(updatedAt) {
		t.Errorf("updated_at: got %v, want %v", pr.Round.UpdatedAt, updatedAt)
	}
	if pr.Round.AnsweredInRound != 42 {
		t.Errorf("answered_in_round: got %d, want 42", pr.Round.AnsweredInRound)
	}
}

func TestParsePriceRound_NegativeAnswer(t *testing.T) {
	// Structurally valid; the oracle adapter rejects it at read time.
	payload := map[string]interface{}{
		"feed":              "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419",
		"round_id":          uint64(7),
		"answer":            "-1",
		"updated_at_us":     int64(1700000000000000),
		"answered_in_round": uint64(7),
	}

	pr, err := ingestion.ParsePriceRound(rawJSON(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if pr.Round.Answer.Sign() >= 0 {
		t.Errorf("answer sign: got %d, want negative", pr.Round.Answer.Sign())
	}
}

func TestParsePriceRound_Rejects(t *testing.T) {
	base := func() map[string]interface{} {
		return map[string]interface{}{
			"feed":              "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419",
			"round_id":          uint64(1),
			"answer":            "100000000",
			"updated_at_us":     int64(1700000000000000),
			"answered_in_round": uint64(1),
		}
	}

	cases := []struct {
		name   string
		mutate func(map[string]interface{})
	}{
		{"bad feed address", func(m map[string]interface{}) { m["feed"] = "not-an-address" }},
		{"zero round id", func(m map[string]interface{}) { m["round_id"] = uint64(0) }},
		{"non-decimal answer", func(m map[string]interface{}) { m["answer"] = "1.5e9" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := base()
			tc.mutate(payload)
			if _, err := ingestion.ParsePriceRound(rawJSON(t, payload)); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}

	if _, err := ingestion.ParsePriceRound([]byte("{not json")); err == nil {
		t.Fatal("expected parse error for malformed JSON")
	}
}
