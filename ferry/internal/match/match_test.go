package match

import "testing"

func TestNormalize(t *testing.T) {
	// WHAT: Normalization strips series notes, subtitle markers and punctuation.
	// WHY: Feed titles and catalog titles decorate the same book differently.
	cases := []struct{ in, want string }{
		{"The Culture (Culture, #3)", "the culture"},
		{"Piranesi: A Novel", "piranesi"},
		{"Leviathan Wakes [Expanse 1]", "leviathan wakes"},
		{"Ender's   Game!", "enders game"},
		{"Dune: Book 1", "dune"},
		{"  Sci-Fi/Fantasy  ", "sci fi fantasy"},
		{"", ""},
	}
	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestStripParentheticals(t *testing.T) {
	got := StripParentheticals("Ancillary Justice (Imperial Radch, #1)")
	if got != "Ancillary Justice" {
		t.Errorf("got %q", got)
	}
}

func TestTitleScore_SeriesAnnotation(t *testing.T) {
	// WHAT: A series annotation does not lower the score.
	// WHY: Shelf feeds append "(Series, #n)" that catalogs omit.
	if got := TitleScore("The Culture (Culture, #3)", "The Culture"); got != 1.0 {
		t.Errorf("score = %v, want 1.0", got)
	}
}

func TestTitleScore_SmallerSetIsDenominator(t *testing.T) {
	// "dune" is fully contained in the longer candidate title.
	if got := TitleScore("Dune", "Dune Messiah Deluxe Edition"); got != 1.0 {
		t.Errorf("score = %v, want 1.0", got)
	}
	if got := TitleScore("a b c", "a x y"); got < 0.33 || got > 0.34 {
		t.Errorf("score = %v, want 1/3", got)
	}
}

func TestTitleScore_Empty(t *testing.T) {
	if got := TitleScore("", "Dune"); got != 0 {
		t.Errorf("empty expected: %v", got)
	}
	if got := TitleScore("Dune", "(nothing)"); got != 0 {
		t.Errorf("empty candidate after normalize: %v", got)
	}
}

func TestThresholdBoundary(t *testing.T) {
	// WHAT: 0.70 is accepted, 0.69 is rejected.
	// WHY: The threshold is a strict, documented boundary.
	if !Accepts(0.70) {
		t.Error("0.70 should be accepted")
	}
	if Accepts(0.69) {
		t.Error("0.69 should be rejected")
	}

	exp := "one two three four five six seven eight nine ten"
	seven := "one two three four five six seven xa xb xc"
	if got := TitleScore(exp, seven); !Accepts(got) {
		t.Errorf("7/10 overlap (score %v) should be accepted", got)
	}
	if !IsGoodMatch(exp, "", seven, "") {
		t.Error("7/10 overlap should be a good match")
	}
	six := "one two three four five six xa xb xc xd"
	if IsGoodMatch(exp, "", six, "") {
		t.Error("6/10 overlap should be rejected")
	}
}

func TestIsGoodMatch_Author(t *testing.T) {
	// WHAT: One author token longer than two runes is enough.
	// WHY: Catalog author fields carry initials and role annotations.
	if !IsGoodMatch("Ancillary Justice", "Ann Leckie", "Ancillary Justice", "by A. Leckie (trans.)") {
		t.Error("leckie should match")
	}
	if !IsGoodMatch("Ancillary Justice", "ANN LECKIE", "ancillary justice", "leckie, ann") {
		t.Error("casing and ordering should not matter")
	}
	if IsGoodMatch("Ancillary Justice", "Ann Leckie", "Ancillary Justice", "John Scalzi") {
		t.Error("different author should be rejected")
	}
	if IsGoodMatch("Ancillary Justice", "Ann Leckie", "Ancillary Justice", "") {
		t.Error("missing candidate author should be rejected when one is expected")
	}
}

func TestIsGoodMatch_NoExpectedAuthor(t *testing.T) {
	// WHAT: Without an expected author, title alone decides.
	if !IsGoodMatch("Dune", "", "Dune", "Someone Else") {
		t.Error("title-only match should be accepted")
	}
	if !IsGoodMatch("Dune", "   ", "Dune", "") {
		t.Error("blank expected author should skip the author check")
	}
}

func TestIsGoodMatch_ShortAuthorTokensIgnored(t *testing.T) {
	// Only "le" and "gu" are available and both are too short to count.
	if IsGoodMatch("Lathe", "Le Gu", "Lathe", "Le Gu") {
		t.Error("short tokens must not satisfy the author check")
	}
}

func TestIsGoodMatch_TitleMismatch(t *testing.T) {
	if IsGoodMatch("Dune", "Frank Herbert", "Foundation", "Isaac Asimov") {
		t.Error("unrelated title should be rejected")
	}
	if IsGoodMatch("The Left Hand of Darkness", "Ursula K. Le Guin", "The Dispossessed", "Ursula K. Le Guin") {
		t.Error("same author but wrong title should be rejected")
	}
}
