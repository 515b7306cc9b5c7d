package reading

import "testing"

func TestParseValue(t *testing.T) {
	v, err := ParseValue("02268.85")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 2268.85 {
		t.Errorf("expected 2268.85, got %f", v)
	}

	if _, err := ParseValue(""); err == nil {
		t.Error("expected error for empty value")
	}
	if _, err := ParseValue("not-a-number"); err == nil {
		t.Error("expected error for non-numeric value")
	}
	if _, err := ParseValue(SentinelValue); err == nil {
		t.Error("expected error for sentinel value")
	}
}

func TestBoundingBoxValid(t *testing.T) {
	tests := []struct {
		name string
		box  BoundingBox
		want bool
	}{
		{"typical", BoundingBox{YMin: 400, XMin: 100, YMax: 500, XMax: 600}, true},
		{"full frame", BoundingBox{YMin: 0, XMin: 0, YMax: 1000, XMax: 1000}, true},
		{"inverted x", BoundingBox{YMin: 0, XMin: 600, YMax: 100, XMax: 100}, false},
		{"inverted y", BoundingBox{YMin: 500, XMin: 0, YMax: 400, XMax: 100}, false},
		{"zero width", BoundingBox{YMin: 0, XMin: 100, YMax: 100, XMax: 100}, false},
		{"negative", BoundingBox{YMin: -1, XMin: 0, YMax: 100, XMax: 100}, false},
		{"out of range", BoundingBox{YMin: 0, XMin: 0, YMax: 1001, XMax: 100}, false},
	}

	for _, tt := range tests {
		if got := tt.box.Valid(); got != tt.want {
			t.Errorf("%s: Valid() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestUpdateApply(t *testing.T) {
	r := MeterReading{
		ID:         "r1",
		Value:      "02268.85",
		Confidence: 92,
		Timestamp:  1700000000000,
		RecordedBy: &UserInfo{UID: "u1", Email: "tech@example.com"},
	}

	v := "01234.56"
	Update{Value: &v}.Apply(&r)

	if r.Value != "01234.56" {
		t.Errorf("expected updated value, got %q", r.Value)
	}
	if r.Confidence != 92 {
		t.Errorf("confidence should be untouched, got %f", r.Confidence)
	}
	if r.Timestamp != 1700000000000 {
		t.Errorf("timestamp should be untouched, got %d", r.Timestamp)
	}
	if r.RecordedBy == nil || r.RecordedBy.UID != "u1" {
		t.Error("recordedBy should be untouched")
	}
}

func TestClampConfidence(t *testing.T) {
	if got := ClampConfidence(-5); got != 0 {
		t.Errorf("expected 0, got %f", got)
	}
	if got := ClampConfidence(150); got != 100 {
		t.Errorf("expected 100, got %f", got)
	}
	if got := ClampConfidence(92); got != 92 {
		t.Errorf("expected 92, got %f", got)
	}
}

func TestFormatLocation(t *testing.T) {
	if got := FormatLocation(51.509865, -0.118092); got != "51.50987,-0.11809" {
		t.Errorf("unexpected location format: %q", got)
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		email string
		want  string
	}{
		{"tech@example.com", "tech"},
		{"noat", "noat"},
		{"", "Unknown"},
	}
	for _, tt := range tests {
		if got := DisplayName(tt.email); got != tt.want {
			t.Errorf("DisplayName(%q) = %q, want %q", tt.email, got, tt.want)
		}
	}
}

func TestSentinel(t *testing.T) {
	s := Sentinel()
	if !s.Failed() {
		t.Error("sentinel should report failure")
	}
	if s.Value != "ERROR" || s.Confidence != 0 {
		t.Errorf("unexpected sentinel: %+v", s)
	}
	ok := AnalysisResult{Value: "02268.85", Confidence: 92}
	if ok.Failed() {
		t.Error("valid result should not report failure")
	}
}
