package cache

import (
	"testing"
	"time"
)

func TestClassifyKind(t *testing.T) {
	tests := []struct {
		prompt string
		want   Kind
	}{
		{"What is the capital of France?", KindFactual},
		{"Who was the first person on the moon?", KindFactual},
		{"How many moons does Jupiter have", KindFactual},
		{"define entropy", KindFactual},
		{"Analyze the attached quarterly numbers", KindAnalytical},
		{"Compare Redis and Memcached for session storage", KindAnalytical},
		{"summarize this article in three bullets", KindAnalytical},
		{"Explain why the sky is blue", KindAnalytical},
		{"Write a story about a lighthouse keeper", KindCreative},
		{"write a poem in iambic pentameter", KindCreative},
		{"Brainstorm names for a coffee shop", KindCreative},
		{"Imagine a city on Mars", KindCreative},
		{"Translate this sentence to German", KindDefault},
		{"fix the bug in this function", KindDefault},
		{"", KindDefault},
		// Creative intent wins even with a factual opener.
		{"What is a good story about dragons? Write a story about one.", KindCreative},
	}
	for _, tc := range tests {
		if got := ClassifyKind(tc.prompt); got != tc.want {
			t.Errorf("ClassifyKind(%q) = %q, want %q", tc.prompt, got, tc.want)
		}
	}
}

func TestTTLPolicyFor(t *testing.T) {
	p := DefaultTTLPolicy()
	tests := []struct {
		kind Kind
		want time.Duration
	}{
		{KindFactual, 24 * time.Hour},
		{KindAnalytical, time.Hour},
		{KindCreative, 0},
		{KindDefault, 30 * time.Minute},
		{Kind("unknown"), 30 * time.Minute},
	}
	for _, tc := range tests {
		if got := p.For(tc.kind); got != tc.want {
			t.Errorf("For(%q) = %v, want %v", tc.kind, got, tc.want)
		}
	}

	p.Default = 5 * time.Minute
	if got := p.For(KindDefault); got != 5*time.Minute {
		t.Errorf("overridden default = %v, want 5m", got)
	}
	if got := p.For(KindFactual); got != 24*time.Hour {
		t.Errorf("factual must keep its own lifetime, got %v", got)
	}
}
