package domain

import (
	"reflect"
	"testing"
)

func TestIsSubscribed(t *testing.T) {
	w := &Webhook{EventTypes: []string{"sale.created", "inventory.updated"}}

	if !w.IsSubscribed("sale.created") {
		t.Error("should be subscribed to sale.created")
	}
	if w.IsSubscribed("customer.created") {
		t.Error("should not be subscribed to customer.created")
	}
	if w.IsSubscribed("") {
		t.Error("empty event type should never match")
	}
}

func TestShouldAlert(t *testing.T) {
	alertOn := map[int]bool{3: true, 5: true, 10: true}

	for failures := 0; failures <= 15; failures++ {
		got := ShouldAlert(failures)
		if got != alertOn[failures] {
			t.Errorf("ShouldAlert(%d) = %v, want %v", failures, got, alertOn[failures])
		}
	}
}

func TestNormalizeEventTypes(t *testing.T) {
	tests := []struct {
		name  string
		input []string
		want  []string
	}{
		{
			name:  "duplicates collapsed",
			input: []string{"sale.created", "sale.created", "sale.refunded"},
			want:  []string{"sale.created", "sale.refunded"},
		},
		{
			name:  "sorted",
			input: []string{"inventory.updated", "customer.created"},
			want:  []string{"customer.created", "inventory.updated"},
		},
		{
			name:  "empty entries dropped",
			input: []string{"", "sale.created", ""},
			want:  []string{"sale.created"},
		},
		{
			name:  "empty input",
			input: nil,
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeEventTypes(tt.input)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("NormalizeEventTypes(%v) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestValidateTargetURL(t *testing.T) {
	valid := []string{
		"https://example.com/hooks",
		"http://localhost:9090/webhook/success",
		"https://api.example.com:8443/v1/hooks?source=pos",
	}
	for _, u := range valid {
		if err := ValidateTargetURL(u); err != nil {
			t.Errorf("ValidateTargetURL(%q) = %v, want nil", u, err)
		}
	}

	invalid := []string{
		"",
		"ftp://example.com/hooks",
		"example.com/hooks",
		"https://",
	}
	for _, u := range invalid {
		if err := ValidateTargetURL(u); err == nil {
			t.Errorf("ValidateTargetURL(%q) = nil, want error", u)
		}
	}
}
